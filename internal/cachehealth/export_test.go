package cachehealth

import "time"

func BackoffDelay(attempt int) time.Duration { return backoffDelay(attempt) }
