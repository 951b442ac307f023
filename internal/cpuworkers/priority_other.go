//go:build !linux

package cpuworkers

// LowerProcessPriority is a no-op outside Linux; freetierd's target
// deployment is a Linux cloud instance, and other platforms have no
// equivalent single-call process-wide niceness primitive worth chasing here.
func LowerProcessPriority() error {
	return nil
}
