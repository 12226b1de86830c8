package util

import (
	"errors"
	"testing"
	"time"
)

func TestRetryStopsWhenDone(t *testing.T) {
	attempts := 0
	err := Retry(5*time.Second, func() (bool, error) {
		attempts++
		if attempts < 3 {
			return true, errors.New("not yet")
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetrySurfacesLastErrorOnTimeout(t *testing.T) {
	want := errors.New("still down")
	err := Retry(time.Millisecond, func() (bool, error) {
		return true, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestRetryReturnsFinalError(t *testing.T) {
	want := errors.New("fatal")
	err := Retry(time.Second, func() (bool, error) {
		return false, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
