package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/sbpm/model"
)

// MemoryStore is an in-memory Store. Units of work stage their writes and
// apply them on commit after re-checking every optimistic version.
// RetrieveForWrite takes a per-entity lock held until the unit ends.
type MemoryStore struct {
	mu         sync.Mutex
	instances  map[string]model.ProcessInstance
	subjects   map[string]model.Subject         // key: subject ID, inbox stripped
	byInstance map[string][]string              // key: instance ID, subject IDs in creation order
	messages   map[string][]model.Message       // key: subject ID, delivery order
	objects    map[string]*model.ObjectInstance // key: objectKey
	trail      map[string][]model.AuditEntry    // key: instance ID
	trailSeq   int64
	locks      map[string]chan struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[string]model.ProcessInstance),
		subjects:   make(map[string]model.Subject),
		byInstance: make(map[string][]string),
		messages:   make(map[string][]model.Message),
		objects:    make(map[string]*model.ObjectInstance),
		trail:      make(map[string][]model.AuditEntry),
		locks:      make(map[string]chan struct{}),
	}
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Atomically implements Store.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := newMemTx(s)
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// ObjectCount returns the number of object instances stored for an instance.
func (s *MemoryStore) ObjectCount(instanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, o := range s.objects {
		if o.ProcessInstanceID == instanceID {
			n++
		}
	}
	return n
}

func objectKey(instanceID, objectModelID string) string {
	return instanceID + "/" + objectModelID
}

type stagedInstance struct {
	value   model.ProcessInstance
	base    int64
	created bool
}

type stagedSubject struct {
	value   model.Subject
	base    int64
	created bool
}

type stagedObject struct {
	value model.ObjectInstance
	base  int64
}

type memTx struct {
	s *MemoryStore

	instances map[string]*stagedInstance
	subjects  map[string]*stagedSubject
	created   []string                   // subject IDs created in this unit
	appended  map[string][]model.Message // key: subject ID
	consumed  map[string]string          // message ID -> subject ID
	objects   map[string]*stagedObject   // key: objectKey
	trail     []model.AuditEntry

	held []string
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:         s,
		instances: make(map[string]*stagedInstance),
		subjects:  make(map[string]*stagedSubject),
		appended:  make(map[string][]model.Message),
		consumed:  make(map[string]string),
		objects:   make(map[string]*stagedObject),
	}
}

func (t *memTx) Instances() InstanceRepository { return memInstances{t} }
func (t *memTx) Subjects() SubjectRepository   { return memSubjects{t} }
func (t *memTx) Messages() MessageRepository   { return memMessages{t} }
func (t *memTx) Objects() ObjectRepository     { return memObjects{t} }
func (t *memTx) Trail() TrailRepository        { return memTrail{t} }

// lock acquires the named entity lock for the rest of the unit.
func (t *memTx) lock(ctx context.Context, key string) error {
	for _, h := range t.held {
		if h == key {
			return nil
		}
	}

	t.s.mu.Lock()
	ch, ok := t.s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.s.locks[key] = ch
	}
	t.s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		t.held = append(t.held, key)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for lock on %s: %w", key, ctx.Err())
	}
}

func (t *memTx) release() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, key := range t.held {
		<-t.s.locks[key]
	}
	t.held = nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every staged write against the committed state.
	for id, st := range t.instances {
		cur, exists := s.instances[id]
		if st.created && exists {
			return model.NewConflictError(fmt.Sprintf("process instance %q already exists", id))
		}
		if !st.created && (!exists || cur.Version != st.base) {
			return model.NewConflictError(fmt.Sprintf("process instance %q was modified concurrently", id))
		}
	}
	for id, st := range t.subjects {
		cur, exists := s.subjects[id]
		if st.created && exists {
			return model.NewConflictError(fmt.Sprintf("subject %q already exists", id))
		}
		if !st.created && (!exists || cur.Version != st.base) {
			return model.NewConflictError(fmt.Sprintf("subject %q was modified concurrently", id))
		}
	}
	for key, st := range t.objects {
		cur, exists := s.objects[key]
		if !exists || cur.Version != st.base {
			return model.NewConflictError(fmt.Sprintf("object instance %q was modified concurrently", st.value.ID))
		}
	}
	for msgID, subjectID := range t.consumed {
		msg := findMessage(s.messages[subjectID], msgID)
		if msg == nil || msg.Consumed {
			return model.NewConflictError(fmt.Sprintf("message %q was already consumed", msgID))
		}
	}

	// Apply.
	for id, st := range t.instances {
		s.instances[id] = st.value
	}
	for _, id := range t.created {
		st := t.subjects[id]
		s.byInstance[st.value.ProcessInstanceID] = append(s.byInstance[st.value.ProcessInstanceID], id)
	}
	for id, st := range t.subjects {
		s.subjects[id] = st.value
	}
	for subjectID, msgs := range t.appended {
		s.messages[subjectID] = append(s.messages[subjectID], msgs...)
	}
	for msgID, subjectID := range t.consumed {
		findMessage(s.messages[subjectID], msgID).Consumed = true
	}
	for key, st := range t.objects {
		s.objects[key] = st.value.Clone()
	}
	for _, entry := range t.trail {
		s.trailSeq++
		entry.ID = s.trailSeq
		s.trail[entry.ProcessInstanceID] = append(s.trail[entry.ProcessInstanceID], entry)
	}
	return nil
}

func findMessage(msgs []model.Message, id string) *model.Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return &msgs[i]
		}
	}
	return nil
}

// --- Instances ---

type memInstances struct{ t *memTx }

func (r memInstances) Create(_ context.Context, inst *model.ProcessInstance) error {
	if _, ok := r.t.instances[inst.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("process instance %q already exists", inst.ID))
	}
	r.t.s.mu.Lock()
	_, exists := r.t.s.instances[inst.ID]
	r.t.s.mu.Unlock()
	if exists {
		return model.NewConflictError(fmt.Sprintf("process instance %q already exists", inst.ID))
	}

	inst.Version = 1
	r.t.instances[inst.ID] = &stagedInstance{value: *inst, created: true}
	return nil
}

func (r memInstances) FindByID(_ context.Context, id string) (*model.ProcessInstance, error) {
	if st, ok := r.t.instances[id]; ok {
		v := st.value
		return &v, nil
	}
	r.t.s.mu.Lock()
	defer r.t.s.mu.Unlock()
	v, ok := r.t.s.instances[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("process instance %q not found", id))
	}
	return &v, nil
}

func (r memInstances) RetrieveForWrite(ctx context.Context, id string) (*model.ProcessInstance, error) {
	if err := r.t.lock(ctx, "instance:"+id); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r memInstances) Save(_ context.Context, inst *model.ProcessInstance) error {
	st, staged := r.t.instances[inst.ID]
	var current int64
	if staged {
		current = st.value.Version
	} else {
		r.t.s.mu.Lock()
		v, ok := r.t.s.instances[inst.ID]
		r.t.s.mu.Unlock()
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("process instance %q not found", inst.ID))
		}
		current = v.Version
		st = &stagedInstance{base: v.Version}
	}
	if current != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("process instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, current),
		)
	}

	inst.Version++
	st.value = *inst
	r.t.instances[inst.ID] = st
	return nil
}

// --- Subjects ---

type memSubjects struct{ t *memTx }

func (r memSubjects) Create(_ context.Context, s *model.Subject) error {
	r.t.s.mu.Lock()
	_, exists := r.t.s.subjects[s.ID]
	r.t.s.mu.Unlock()
	if _, staged := r.t.subjects[s.ID]; staged || exists {
		return model.NewConflictError(fmt.Sprintf("subject %q already exists", s.ID))
	}

	s.Version = 1
	v := *s.Clone()
	v.Inbox = nil
	r.t.subjects[s.ID] = &stagedSubject{value: v, created: true}
	r.t.created = append(r.t.created, s.ID)
	return nil
}

func (r memSubjects) FindByID(_ context.Context, id string) (*model.Subject, error) {
	var subj model.Subject
	if st, ok := r.t.subjects[id]; ok {
		subj = st.value
	} else {
		r.t.s.mu.Lock()
		v, ok := r.t.s.subjects[id]
		r.t.s.mu.Unlock()
		if !ok {
			return nil, model.NewNotFoundError(fmt.Sprintf("subject %q not found", id))
		}
		subj = v
	}
	subj.Inbox = r.t.inbox(id)
	return &subj, nil
}

func (r memSubjects) RetrieveForWrite(ctx context.Context, id string) (*model.Subject, error) {
	if err := r.t.lock(ctx, "subject:"+id); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r memSubjects) FindByInstance(ctx context.Context, instanceID string) ([]*model.Subject, error) {
	r.t.s.mu.Lock()
	ids := append([]string(nil), r.t.s.byInstance[instanceID]...)
	r.t.s.mu.Unlock()
	for _, id := range r.t.created {
		if r.t.subjects[id].value.ProcessInstanceID == instanceID {
			ids = append(ids, id)
		}
	}

	out := make([]*model.Subject, 0, len(ids))
	for _, id := range ids {
		s, err := r.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r memSubjects) Save(_ context.Context, s *model.Subject) error {
	st, staged := r.t.subjects[s.ID]
	var current int64
	if staged {
		current = st.value.Version
	} else {
		r.t.s.mu.Lock()
		v, ok := r.t.s.subjects[s.ID]
		r.t.s.mu.Unlock()
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("subject %q not found", s.ID))
		}
		current = v.Version
		st = &stagedSubject{base: v.Version}
	}
	if current != s.Version {
		return model.NewConflictError(
			fmt.Sprintf("subject %q version conflict (expected %d, got %d)", s.ID, s.Version, current),
		)
	}

	s.Version++
	v := *s.Clone()
	v.Inbox = nil
	st.value = v
	r.t.subjects[s.ID] = st
	return nil
}

// inbox returns the committed and staged messages of a subject with staged
// consumption applied.
func (t *memTx) inbox(subjectID string) []model.Message {
	t.s.mu.Lock()
	msgs := append([]model.Message(nil), t.s.messages[subjectID]...)
	t.s.mu.Unlock()

	msgs = append(msgs, t.appended[subjectID]...)
	for i := range msgs {
		if _, ok := t.consumed[msgs[i].ID]; ok {
			msgs[i].Consumed = true
		}
	}
	return msgs
}

// --- Messages ---

type memMessages struct{ t *memTx }

func (r memMessages) Append(_ context.Context, msg model.Message) error {
	r.t.appended[msg.SubjectID] = append(r.t.appended[msg.SubjectID], msg)
	return nil
}

func (r memMessages) MarkConsumed(_ context.Context, subjectID, messageID string) (bool, error) {
	if _, ok := r.t.consumed[messageID]; ok {
		return false, nil
	}
	if msg := findMessage(r.t.appended[subjectID], messageID); msg != nil {
		if msg.Consumed {
			return false, nil
		}
		msg.Consumed = true
		return true, nil
	}

	r.t.s.mu.Lock()
	defer r.t.s.mu.Unlock()
	msg := findMessage(r.t.s.messages[subjectID], messageID)
	if msg == nil {
		return false, model.NewNotFoundError(fmt.Sprintf("message %q not found", messageID))
	}
	if msg.Consumed {
		return false, nil
	}
	r.t.consumed[messageID] = subjectID
	return true, nil
}

// --- Objects ---

type memObjects struct{ t *memTx }

// GetOrCreate commits a newly created object instance immediately, outside
// the unit of work, so that concurrent units observe it.
func (r memObjects) GetOrCreate(_ context.Context, proto model.ObjectInstance) (*model.ObjectInstance, bool, error) {
	key := objectKey(proto.ProcessInstanceID, proto.ObjectModelID)
	if st, ok := r.t.objects[key]; ok {
		return st.value.Clone(), false, nil
	}

	r.t.s.mu.Lock()
	defer r.t.s.mu.Unlock()
	if existing, ok := r.t.s.objects[key]; ok {
		return existing.Clone(), false, nil
	}

	proto.Version = 1
	if proto.Data == nil {
		proto.Data = map[string]any{}
	}
	r.t.s.objects[key] = proto.Clone()
	return proto.Clone(), true, nil
}

func (r memObjects) FindByInstance(_ context.Context, instanceID string) ([]*model.ObjectInstance, error) {
	r.t.s.mu.Lock()
	var out []*model.ObjectInstance
	for key, o := range r.t.s.objects {
		if o.ProcessInstanceID != instanceID {
			continue
		}
		if st, ok := r.t.objects[key]; ok {
			out = append(out, st.value.Clone())
		} else {
			out = append(out, o.Clone())
		}
	}
	r.t.s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ObjectModelID < out[j].ObjectModelID })
	return out, nil
}

func (r memObjects) Save(_ context.Context, obj *model.ObjectInstance) error {
	key := objectKey(obj.ProcessInstanceID, obj.ObjectModelID)
	st, staged := r.t.objects[key]
	var current int64
	if staged {
		current = st.value.Version
	} else {
		r.t.s.mu.Lock()
		v, ok := r.t.s.objects[key]
		var base int64
		if ok {
			base = v.Version
		}
		r.t.s.mu.Unlock()
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("object instance %q not found", obj.ID))
		}
		current = base
		st = &stagedObject{base: base}
	}
	if current != obj.Version {
		return model.NewConflictError(
			fmt.Sprintf("object instance %q version conflict (expected %d, got %d)", obj.ID, obj.Version, current),
		)
	}

	obj.Version++
	st.value = *obj.Clone()
	r.t.objects[key] = st
	return nil
}

// --- Trail ---

type memTrail struct{ t *memTx }

func (r memTrail) Append(_ context.Context, entry model.AuditEntry) error {
	r.t.trail = append(r.t.trail, entry)
	return nil
}

func (r memTrail) List(_ context.Context, instanceID string) ([]model.AuditEntry, error) {
	r.t.s.mu.Lock()
	out := append([]model.AuditEntry(nil), r.t.s.trail[instanceID]...)
	r.t.s.mu.Unlock()

	for _, e := range r.t.trail {
		if e.ProcessInstanceID == instanceID {
			out = append(out, e)
		}
	}
	// Staged entries have no ID yet and sort after committed ones.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID != 0 && (out[j].ID == 0 || out[i].ID < out[j].ID)
	})
	return out, nil
}
