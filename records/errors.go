package records

import "fmt"

// InvalidTermError reports a compound-index term component containing the
// reserved "$" delimiter. This is a programmer error: batch ids, addresses
// and statuses must never contain the delimiter.
type InvalidTermError struct {
	Component string
	Value     string
}

func (e *InvalidTermError) Error() string {
	return fmt.Sprintf("invalid index term component %s: %q contains reserved delimiter %q",
		e.Component, e.Value, termSeparator)
}

// MigrationError reports a stored document that cannot be brought to the
// requested schema version. It is fatal: the record cannot be interpreted
// until a migrator path exists.
type MigrationError struct {
	Bucket  string
	Key     string
	Version int
	Reason  string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("cannot migrate %s record %q from version %d: %s",
		e.Bucket, e.Key, e.Version, e.Reason)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func newMigrationError(bucket, key string, version int, err error, format string, args ...interface{}) *MigrationError {
	return &MigrationError{
		Bucket:  bucket,
		Key:     key,
		Version: version,
		Reason:  fmt.Sprintf(format, args...),
		Err:     err,
	}
}
