package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"ruleevents/pkg/types"
)

var errStreamBroken = errors.New("stream broken")

// fakeStream records frames and can be told to fail.
type fakeStream struct {
	mu     sync.Mutex
	frames []string
	fail   bool
	closed int
}

func (s *fakeStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errStreamBroken
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeStream) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// staticResolver resolves classrooms from a fixed table.
type staticResolver struct {
	mu     sync.Mutex
	groups map[string]string
	err    error
	calls  int
	lastAt time.Time
}

func (r *staticResolver) ResolveClassroomGroupContext(_ context.Context, classroomID string, at time.Time) (*types.GroupContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastAt = at
	if r.err != nil {
		return nil, r.err
	}
	groupID, ok := r.groups[classroomID]
	if !ok {
		return nil, nil
	}
	return &types.GroupContext{ClassroomID: classroomID, GroupID: groupID}, nil
}

func (r *staticResolver) set(classroomID, groupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.groups == nil {
		r.groups = make(map[string]string)
	}
	r.groups[classroomID] = groupID
}

func dataFrame(groupID string) string {
	frame, err := types.DataFrame(types.NewChangePayload(groupID))
	if err != nil {
		panic(err)
	}
	return string(frame)
}
