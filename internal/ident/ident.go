package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

const maxTaskIDLength = 128

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// NewTaskID generates a new task identifier with a stable prefix for display.
func NewTaskID() string {
	return fmt.Sprintf("task-%s", uuid.New().String())
}

// NewShareToken generates a lexicographically sortable share token using KSUID.
func NewShareToken() string {
	return fmt.Sprintf("share-%s", ksuid.New().String())
}

// ValidateTaskID checks a client-supplied task identifier against the
// accepted charset and length bound.
func ValidateTaskID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("task id is required")
	}
	if len(id) > maxTaskIDLength {
		return fmt.Errorf("task id too long (max %d characters)", maxTaskIDLength)
	}
	if !taskIDPattern.MatchString(id) {
		return errors.New("task id contains invalid characters")
	}
	return nil
}
