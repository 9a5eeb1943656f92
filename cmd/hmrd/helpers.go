package main

import "time"

// durationMS converts a millisecond count from config into a time.Duration.
func durationMS(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
