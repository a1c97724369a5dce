package store

import "errors"

// ErrBusy is returned by TryReserve when another owner currently holds the
// row's reservation. It is a plain sentinel (not a fateerr.Error) because
// losing a reservation race is an expected, routine outcome for a worker
// pool, not a failure condition callers need to classify further.
var ErrBusy = errors.New("row reserved by another owner")
