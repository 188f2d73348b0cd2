package transaction

import (
	"strings"

	"github.com/pkg/errors"
)

// IsolationLevel is transaction isolation level
type IsolationLevel uint

const (
	IsolationLevelReadUncommitted IsolationLevel = iota
	IsolationLevelReadCommitted
	IsolationLevelRepeatableRead
	IsolationLevelSerializable

	// default isolation level is READ COMMITTED
	DefaultIsolationLevel = IsolationLevelReadCommitted
)

var isolationLevelNames = map[IsolationLevel]string{
	IsolationLevelReadUncommitted: "read uncommitted",
	IsolationLevelReadCommitted:   "read committed",
	IsolationLevelRepeatableRead:  "repeatable read",
	IsolationLevelSerializable:    "serializable",
}

func (l IsolationLevel) String() string {
	if name, ok := isolationLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseIsolationLevel parses the name like "repeatable read" or "repeatable-read"
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	name := strings.ToLower(strings.NewReplacer("-", " ", "_", " ").Replace(strings.TrimSpace(s)))
	for level, n := range isolationLevelNames {
		if n == name {
			return level, nil
		}
	}
	return 0, errors.Errorf("unknown isolation level: %s", s)
}

// usesSameSnapshot returns whether the isolation level uses the same snapshot during a transaction
func (l IsolationLevel) usesSameSnapshot() bool {
	return l >= IsolationLevelRepeatableRead
}
