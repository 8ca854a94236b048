// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package util

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RetryableFunc is the operation Do retries.
type RetryableFunc func() error

var (
	DefaultAttempts      = uint(10)
	DefaultDelayMS       = 100 * time.Millisecond
	DefaultMaxJitterMS   = 100 * time.Millisecond
	DefaultOnRetry       = func(n uint, err error) {}
	DefaultRetryIf       = IsRecoverable
	DefaultDelayType     = CombineDelay(BackOffDelay, RandomDelay)
	DefaultLastErrorOnly = false
)

// RetryIfFunc decides whether a retry should be attempted for err.
type RetryIfFunc func(error) bool

// OnRetryFunc is called after each failed attempt that RetryIf accepts,
// including the last one; n is the zero-based index of that attempt.
type OnRetryFunc func(n uint, err error)

// DelayTypeFunc computes how long to wait before attempt n+1.
type DelayTypeFunc func(n uint, config *Config) time.Duration

// Config is Do's resolved option set.
type Config struct {
	onRetry       OnRetryFunc
	retryIf       RetryIfFunc
	delayType     DelayTypeFunc
	delay         time.Duration
	maxDelay      time.Duration
	maxJitter     time.Duration
	attempts      uint
	lastErrorOnly bool
}

// Option configures a Do call.
type Option func(*Config)

// LastErrorOnly makes Do return only the most recent error rather than the
// full attempt history.
func LastErrorOnly(lastErrorOnly bool) Option {
	return func(c *Config) { c.lastErrorOnly = lastErrorOnly }
}

// Attempts sets the retry count; default 10.
func Attempts(attempts uint) Option {
	return func(c *Config) { c.attempts = attempts }
}

// Delay sets the base delay between retries; default 100ms.
func Delay(delay time.Duration) Option {
	return func(c *Config) { c.delay = delay }
}

// MaxDelay caps the computed delay between retries.
func MaxDelay(maxDelay time.Duration) Option {
	return func(c *Config) { c.maxDelay = maxDelay }
}

// MaxJitter bounds RandomDelay's randomized component.
func MaxJitter(maxJitter time.Duration) Option {
	return func(c *Config) { c.maxJitter = maxJitter }
}

// DelayType overrides the default backoff-plus-jitter delay schedule.
func DelayType(delayType DelayTypeFunc) Option {
	return func(c *Config) { c.delayType = delayType }
}

// BackOffDelay doubles the delay on each successive attempt.
func BackOffDelay(n uint, config *Config) time.Duration {
	return config.delay * (1 << n)
}

// FixedDelay keeps the delay constant across attempts.
func FixedDelay(_ uint, config *Config) time.Duration {
	return config.delay
}

// RandomDelay picks a delay uniformly in [0, maxJitter).
func RandomDelay(_ uint, config *Config) time.Duration {
	if config.maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(config.maxJitter)))
}

// CombineDelay sums several DelayTypeFuncs into one.
func CombineDelay(delays ...DelayTypeFunc) DelayTypeFunc {
	return func(n uint, config *Config) time.Duration {
		var total time.Duration
		for _, delay := range delays {
			total += delay(n, config)
		}
		return total
	}
}

// OnRetry registers a callback invoked after every failed attempt that
// RetryIf accepts, including the final one.
func OnRetry(onRetry OnRetryFunc) Option {
	return func(c *Config) { c.onRetry = onRetry }
}

// RetryIf overrides which errors are retried; by default any error not
// wrapped with Unrecoverable is retried.
func RetryIf(retryIf RetryIfFunc) Option {
	return func(c *Config) { c.retryIf = retryIf }
}

// Do runs retryableFunc until it succeeds, exhausts its attempt budget, or
// hits an Unrecoverable error, sleeping between attempts per DelayType.
func Do(retryableFunc RetryableFunc, opts ...Option) error {
	var n uint

	config := &Config{
		attempts:      DefaultAttempts,
		delay:         DefaultDelayMS,
		maxJitter:     DefaultMaxJitterMS,
		onRetry:       DefaultOnRetry,
		retryIf:       DefaultRetryIf,
		delayType:     DefaultDelayType,
		lastErrorOnly: DefaultLastErrorOnly,
	}
	for _, opt := range opts {
		opt(config)
	}

	var errorLog Error
	if !config.lastErrorOnly {
		errorLog = make(Error, config.attempts)
	} else {
		errorLog = make(Error, 1)
	}

	lastErrIndex := n
	for n < config.attempts {
		err := retryableFunc()
		if err == nil {
			return nil
		}

		errorLog[lastErrIndex] = unpackUnrecoverable(err)

		if !config.retryIf(err) {
			break
		}
		config.onRetry(n, err)

		if n == config.attempts-1 {
			break
		}

		delayTime := config.delayType(n, config)
		if config.maxDelay > 0 && delayTime > config.maxDelay {
			delayTime = config.maxDelay
		}
		time.Sleep(delayTime)

		n++
		if !config.lastErrorOnly {
			lastErrIndex = n
		}
	}

	if config.lastErrorOnly {
		return errorLog[lastErrIndex]
	}
	return errorLog
}

// Error is the list of errors from every failed attempt.
type Error []error

func (e Error) Error() string {
	logWithNumber := make([]string, lenWithoutNil(e))
	i := 0
	for _, l := range e {
		if l != nil {
			logWithNumber[i] = fmt.Sprintf("#%d: %s", i+1, l.Error())
			i++
		}
	}
	return fmt.Sprintf("all attempts failed:\n%s", strings.Join(logWithNumber, "\n"))
}

func lenWithoutNil(e Error) (count int) {
	for _, v := range e {
		if v != nil {
			count++
		}
	}
	return
}

// WrappedErrors exposes the wrapped list for errwrap-style inspection.
func (e Error) WrappedErrors() []error {
	return e
}

type unrecoverableError struct {
	error
}

// Unrecoverable marks err so RetryIf's default stops retrying immediately.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable reports whether err was not wrapped with Unrecoverable.
func IsRecoverable(err error) bool {
	_, isUnrecoverable := err.(unrecoverableError)
	return !isUnrecoverable
}

func unpackUnrecoverable(err error) error {
	if unrecoverable, isUnrecoverable := err.(unrecoverableError); isUnrecoverable {
		return unrecoverable.error
	}
	return err
}
