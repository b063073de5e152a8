package cli_test

import (
	"context"
	"strings"
	"testing"

	"github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/roverlink/helpers/cli"
)

func TestReadLines(t *testing.T) {
	t.Parallel()
	input := "wheel 1 2 3\n\n  !arm 1 2 3 4 5 6 7 8 \r\ngeneric 5"
	var got []string
	err := cli.ReadLines(context.Background(), strings.NewReader(input), func(line string) {
		got = append(got, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"wheel 1 2 3", "!arm 1 2 3 4 5 6 7 8", "generic 5"}, got)
}

func TestReadLinesCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := cli.ReadLines(ctx, strings.NewReader(strings.Repeat("generic 1\n", 1000)), func(string) { calls++ })
	assert.NoError(t, err)
	assert.Less(t, calls, 1000)
}

func TestSuggester(t *testing.T) {
	t.Parallel()
	complete := cli.Suggester([]prompt.Suggest{{Text: "wheel"}, {Text: "arm"}, {Text: "sci"}})
	buf := prompt.NewBuffer()
	buf.InsertText("whe", false, true)
	got := complete(*buf.Document())
	require.Len(t, got, 1)
	assert.Equal(t, "wheel", got[0].Text)
}
