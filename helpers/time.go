package helpers

import "time"

// IntSecondDefault converts integer seconds from config, zero means def.
func IntSecondDefault(sec int, def time.Duration) time.Duration {
	if sec == 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}
