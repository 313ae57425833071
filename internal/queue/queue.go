package queue

import (
	"context"
)

// Contact is a single broadcast recipient
type Contact struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// Queue defines the interface for contact queue operations.
// Contacts are consumed strictly from the front.
type Queue interface {
	// Replace drops all queued contacts and stores the given ones in order
	Replace(ctx context.Context, contacts []Contact) error

	// Len returns the number of queued contacts
	Len(ctx context.Context) (int, error)

	// Peek returns the contact at the front of the queue
	// Returns nil, nil if the queue is empty
	Peek(ctx context.Context) (*Contact, error)

	// Pop removes the contact at the front of the queue
	Pop(ctx context.Context) error

	// List returns queued contacts in order
	List(ctx context.Context, filter ListFilter) ([]Contact, error)

	// Close closes the storage connection
	Close() error
}

// ListFilter represents paging options for listing contacts
type ListFilter struct {
	Limit  int
	Offset int
}
