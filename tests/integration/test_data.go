//go:build integration

package integration

import (
	"fmt"
	"sync/atomic"
	"time"
)

const TestPassword = "TestPassword123!"

var accountSeq atomic.Int64

// TestEmail generates a unique test address
func TestEmail(suffix string) string {
	return fmt.Sprintf("test-%d-%d-%s@example.com", time.Now().Unix(), accountSeq.Add(1), suffix)
}

// TestPhone generates a unique E.164 number in the reserved 555 range
func TestPhone() string {
	return fmt.Sprintf("+1555555%04d", accountSeq.Add(1)%10000)
}
