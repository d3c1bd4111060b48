package jobs

import (
	"strconv"
	"strings"

	"mediscan/pkg/domain"
)

const attemptSep = "."

// AttemptToken is the job id handed to the worker for the job's current
// attempt: the correlation token suffixed with the retry count. Callbacks
// carrying an older suffix belong to an attempt that was already retired.
func AttemptToken(j domain.Job) string {
	return j.CorrelationToken + attemptSep + strconv.Itoa(j.RetryCount)
}

// ParseAttemptToken splits a worker job id into the correlation token and
// the attempt number. A bare token reports ok=false and carries no attempt.
func ParseAttemptToken(s string) (token string, attempt int, ok bool) {
	i := strings.LastIndex(s, attemptSep)
	if i <= 0 || i == len(s)-1 {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil || n < 0 {
		return s, 0, false
	}
	return s[:i], n, true
}
