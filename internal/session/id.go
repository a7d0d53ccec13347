package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a session id of the form session_<unix-millis>_<8 hex chars>.
func NewID(now time.Time) string {
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}
