package retry

import "time"

// Call f until it succeeds, doRetry rejects the error, or f has been retried retryCount times.
//
// The last error is returned.
func GetOne[T any](f func() (T, error), retryCount int, doRetry func(err error) bool) (T, error) {
	var (
		t    T
		last error
	)
	for n := 0; n <= retryCount; n++ {
		v, err := f()
		if err == nil {
			return v, nil
		}
		last = err
		if !doRetry(err) {
			break
		}
	}
	return t, last
}

func Call(f func() error, retryCount int, doRetry func(err error) bool) error {
	_, err := GetOne(func() (struct{}, error) {
		return struct{}{}, f()
	}, retryCount, doRetry)
	return err
}

// Same as Call, but sleeps gap between attempts.
func CallGap(f func() error, retryCount int, gap time.Duration, doRetry func(err error) bool) error {
	first := true
	return Call(func() error {
		if !first && gap > 0 {
			time.Sleep(gap)
		}
		first = false
		return f()
	}, retryCount, doRetry)
}
