package workflow

import (
	"context"

	"github.com/pitabwire/sbpm/model"
)

// Store opens units of work over the process repositories.
type Store interface {
	// Atomically runs fn in a single unit of work. Writes become visible
	// only when fn returns nil; any error discards them. Locks taken by
	// RetrieveForWrite are held until the unit ends.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Instances() InstanceRepository
	Subjects() SubjectRepository
	Messages() MessageRepository
	Objects() ObjectRepository
	Trail() TrailRepository
}

// InstanceRepository persists process instances.
type InstanceRepository interface {
	// Create persists a new instance. Its Version becomes 1.
	Create(ctx context.Context, inst *model.ProcessInstance) error

	// FindByID returns the instance or NOT_FOUND.
	FindByID(ctx context.Context, id string) (*model.ProcessInstance, error)

	// RetrieveForWrite returns the instance holding an exclusive lock for
	// the rest of the unit of work. Units that change subjects take this
	// lock before the subject lock.
	RetrieveForWrite(ctx context.Context, id string) (*model.ProcessInstance, error)

	// Save persists inst if its Version still matches the stored one and
	// increments Version. Returns CONFLICT otherwise.
	Save(ctx context.Context, inst *model.ProcessInstance) error
}

// SubjectRepository persists subjects. Loaded subjects carry their inbox.
type SubjectRepository interface {
	// Create persists a new subject. Its Version becomes 1.
	Create(ctx context.Context, s *model.Subject) error

	// FindByID returns the subject or NOT_FOUND.
	FindByID(ctx context.Context, id string) (*model.Subject, error)

	// RetrieveForWrite returns the subject holding an exclusive lock for
	// the rest of the unit of work.
	RetrieveForWrite(ctx context.Context, id string) (*model.Subject, error)

	// FindByInstance returns all subjects of an instance in creation order.
	FindByInstance(ctx context.Context, instanceID string) ([]*model.Subject, error)

	// Save persists the subject's state if its Version still matches the
	// stored one and increments Version. The inbox is not written.
	Save(ctx context.Context, s *model.Subject) error
}

// MessageRepository persists inbox messages.
type MessageRepository interface {
	// Append stores a new unconsumed message.
	Append(ctx context.Context, msg model.Message) error

	// MarkConsumed flips the consumed flag. It reports false when the
	// message was already consumed.
	MarkConsumed(ctx context.Context, subjectID, messageID string) (bool, error)
}

// ObjectRepository persists object instances.
type ObjectRepository interface {
	// GetOrCreate returns the object instance for (instanceID,
	// objectModelID), creating it from proto when none exists. Concurrent
	// callers observe the same instance. created reports whether this call
	// created it.
	GetOrCreate(ctx context.Context, proto model.ObjectInstance) (obj *model.ObjectInstance, created bool, err error)

	// FindByInstance returns all object instances of an instance.
	FindByInstance(ctx context.Context, instanceID string) ([]*model.ObjectInstance, error)

	// Save persists obj if its Version still matches the stored one and
	// increments Version.
	Save(ctx context.Context, obj *model.ObjectInstance) error
}

// TrailRepository persists audit entries.
type TrailRepository interface {
	// Append adds an entry. The ID is assigned on commit.
	Append(ctx context.Context, entry model.AuditEntry) error

	// List returns entries of an instance ordered by (Timestamp, ID).
	List(ctx context.Context, instanceID string) ([]model.AuditEntry, error)
}
