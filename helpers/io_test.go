package helpers

import (
	"bytes"
	"expvar"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// throttleWriter accepts at most n bytes per Write, like a busy websocket frame writer.
type throttleWriter struct {
	w io.Writer
	n int
}

func (tw *throttleWriter) Write(p []byte) (int, error) {
	if len(p) > tw.n {
		p = p[:tw.n]
	}
	return tw.w.Write(p)
}

type failWriter struct{ after int }

func (fw *failWriter) Write(p []byte) (int, error) {
	if fw.after <= 0 {
		return 0, fmt.Errorf("broken pipe")
	}
	n := len(p)
	if n > fw.after {
		n = fw.after
	}
	fw.after -= n
	return n, nil
}

func TestWriteAllStat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		payload  string
		chunk    int
		overhead int64
	}{
		{"empty", "", 3, 0},
		{"one-write", "0 -1 42", 64, 0},
		{"throttled", "1 1 10 20 30 40 50 60 70 80", 7, 0},
		{"throttled-overhead", "0 0 120 45 10", 4, 2},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			var counter expvar.Int
			out := bytes.NewBuffer(nil)
			w := NewStatWriter(&throttleWriter{out, c.chunk}, &counter, c.overhead)
			require.NoError(t, WriteAll(w, []byte(c.payload)))
			assert.Equal(t, c.payload, out.String())
			writes := int64((len(c.payload) + c.chunk - 1) / c.chunk)
			assert.Equal(t, int64(len(c.payload))+writes*c.overhead, counter.Value())
		})
	}
}

func TestWriteAllError(t *testing.T) {
	t.Parallel()
	var counter expvar.Int
	w := NewStatWriter(&failWriter{after: 5}, &counter, 0)
	err := WriteAll(w, []byte("1 2 1 2 3 4"))
	require.Error(t, err)
	assert.Equal(t, "broken pipe", err.Error())
	assert.Equal(t, int64(5), counter.Value())
}
