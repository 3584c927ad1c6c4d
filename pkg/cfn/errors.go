package cfn

import "fmt"

// LookupError wraps a remote read failure other than "stack not found".
type LookupError struct {
	StackName string
	Err       error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("failed to look up stack %s: %v", e.StackName, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// StackDeleteFailedError reports that cleanup of a failed stack creation
// ended in a state other than fully deleted.
type StackDeleteFailedError struct {
	StackName string
	Status    string
}

func (e *StackDeleteFailedError) Error() string {
	return fmt.Sprintf("deletion of stack %s ended in %s, expected DELETE_COMPLETE", e.StackName, e.Status)
}

// StackDestroyFailedError reports an explicit destroy that did not reach the
// deleted terminal state.
type StackDestroyFailedError struct {
	StackName string
	Status    string
}

func (e *StackDestroyFailedError) Error() string {
	return fmt.Sprintf("destroy of stack %s failed with status %s", e.StackName, e.Status)
}

// TemplateTooLargeError reports an oversized template with no staging bucket
// configured to upload it to.
type TemplateTooLargeError struct {
	StackName string
	Size      int
}

func (e *TemplateTooLargeError) Error() string {
	return fmt.Sprintf("template for stack %s is %d bytes, which exceeds the %d byte limit for inline templates; "+
		"configure a staging bucket by running \"stackpilot bootstrap\" in this environment", e.StackName, e.Size, maxInlineTemplateSize)
}

// UnsupportedPartitionError reports a pre-uploaded template URL that requires
// partition substitution, which this engine does not support.
type UnsupportedPartitionError struct {
	URL string
}

func (e *UnsupportedPartitionError) Error() string {
	return fmt.Sprintf("template URL %q includes an ${AWS::Partition} specifier, which is not supported", e.URL)
}

// MissingParameterError reports a declared template parameter with neither a
// supplied value, a previous value, nor a default.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("no value supplied for required template parameter %s", e.Name)
}

// FastPathResolutionError reports that the code location or physical id of a
// function slated for a fast-path update could not be resolved. Guessing a
// bucket or key would push code to the wrong place, so this is always fatal.
type FastPathResolutionError struct {
	LogicalID string
	Reason    string
}

func (e *FastPathResolutionError) Error() string {
	return fmt.Sprintf("cannot fast-path update %s: %s", e.LogicalID, e.Reason)
}

// StackVanishedError reports a stack that disappeared while its change set
// was executing.
type StackVanishedError struct {
	StackName string
}

func (e *StackVanishedError) Error() string {
	return fmt.Sprintf("stack %s disappeared during deployment", e.StackName)
}

// WaitTimeoutError reports a poll loop that ran out of time, carrying the last
// status observed before giving up.
type WaitTimeoutError struct {
	StackName  string
	Operation  string
	LastStatus string
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s on stack %s (last status: %s)", e.Operation, e.StackName, e.LastStatus)
}
