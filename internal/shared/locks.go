package shared

import "fmt"

// JobLockKey builds redis keys guarding singleton background jobs.
func JobLockKey(job string) string {
	return fmt.Sprintf("harvest:job:%s:lock", job)
}
