package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rylaix/mevguard/foundation/retry"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func TestRetryAttempts(t *testing.T) {
	t.Log("Given the need to retry failing operations.")
	{
		t.Logf("\tTest 0:\tWhen the operation keeps failing.")
		{
			p := retry.Policy{
				MaxAttempts: 3,
				InitialWait: time.Millisecond,
				MaxWait:     time.Millisecond,
			}

			var calls int
			boom := errors.New("boom")
			err := retry.Do(context.Background(), p, func(context.Context) error {
				calls++
				return boom
			})

			if !errors.Is(err, boom) {
				t.Fatalf("\t%s\tTest 0:\tShould get back the last error: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get back the last error.", success)

			if calls != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould attempt exactly 3 times, got %d.", failed, calls)
			}
			t.Logf("\t%s\tTest 0:\tShould attempt exactly 3 times.", success)
		}

		t.Logf("\tTest 1:\tWhen the operation succeeds after a failure.")
		{
			p := retry.Policy{
				MaxAttempts: 5,
				InitialWait: time.Millisecond,
			}

			var calls int
			err := retry.Do(context.Background(), p, func(context.Context) error {
				calls++
				if calls < 2 {
					return errors.New("transient")
				}
				return nil
			})

			if err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould not get an error: %v", failed, err)
			}
			t.Logf("\t%s\tTest 1:\tShould not get an error.", success)

			if calls != 2 {
				t.Fatalf("\t%s\tTest 1:\tShould stop after the first success, got %d calls.", failed, calls)
			}
			t.Logf("\t%s\tTest 1:\tShould stop after the first success.", success)
		}
	}
}

func TestRetryClassify(t *testing.T) {
	t.Log("Given the need to stop on permanent errors.")
	{
		t.Logf("\tTest 0:\tWhen the classifier reports a permanent error.")
		{
			fatal := errors.New("bad request")

			p := retry.Policy{
				MaxAttempts: 5,
				InitialWait: time.Millisecond,
				Classify: func(err error) retry.Class {
					if errors.Is(err, fatal) {
						return retry.Permanent
					}
					return retry.Retryable
				},
			}

			var calls int
			err := retry.Do(context.Background(), p, func(context.Context) error {
				calls++
				return fatal
			})

			if !errors.Is(err, fatal) {
				t.Fatalf("\t%s\tTest 0:\tShould get back the permanent error: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould get back the permanent error.", success)

			if calls != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould not retry a permanent error, got %d calls.", failed, calls)
			}
			t.Logf("\t%s\tTest 0:\tShould not retry a permanent error.", success)
		}
	}
}

func TestRetryCancel(t *testing.T) {
	t.Log("Given the need to honor context cancellation between attempts.")
	{
		t.Logf("\tTest 0:\tWhen the context is canceled during a backoff wait.")
		{
			ctx, cancel := context.WithCancel(context.Background())

			p := retry.Policy{
				MaxAttempts: 10,
				InitialWait: time.Minute,
			}

			done := make(chan error, 1)
			go func() {
				done <- retry.Do(ctx, p, func(context.Context) error {
					return errors.New("transient")
				})
			}()

			cancel()

			select {
			case err := <-done:
				if !errors.Is(err, context.Canceled) {
					t.Fatalf("\t%s\tTest 0:\tShould get back a canceled error: %v", failed, err)
				}
				t.Logf("\t%s\tTest 0:\tShould get back a canceled error.", success)

			case <-time.After(5 * time.Second):
				t.Fatalf("\t%s\tTest 0:\tShould return promptly after cancel.", failed)
			}
		}
	}
}
