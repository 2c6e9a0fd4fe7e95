package scheduler

import (
	"fmt"
	"math/bits"
	"strings"
)

// Stage is one point of the frame life cycle.
type Stage uint8

const (
	PreInput Stage = iota
	PostInput
	PreUpdate
	PostUpdate
	PreRender
	PostRender
	PostProcessing
	Cleaning

	numStages = 8
)

var stageNames = [numStages]string{
	"pre_input",
	"post_input",
	"pre_update",
	"post_update",
	"pre_render",
	"post_render",
	"post_processing",
	"cleaning",
}

// AllStages returns every stage in frame order.
func AllStages() []Stage {
	out := make([]Stage, numStages)
	for i := range out {
		out[i] = Stage(i)
	}
	return out
}

func (s Stage) Valid() bool { return s < numStages }

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
	return stageNames[s]
}

// ParseStage accepts "pre_update", "PRE_UPDATE", "pre-update" and "preupdate".
func ParseStage(name string) (Stage, error) {
	n := normalizeStageName(name)
	for i, sn := range stageNames {
		if n == strings.ReplaceAll(sn, "_", "") {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

func normalizeStageName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", "", "-", "", " ", "").Replace(n)
	return n
}

const (
	allStageBits  uint32 = 1<<numStages - 1
	invalidMarker uint32 = 1 << 31
)

// StageSet is a set of stages; a task runs in every stage of its set.
// The zero value is the empty set.
type StageSet struct {
	bits uint32
}

// Stages builds a set from the given stages.
func Stages(stages ...Stage) StageSet {
	var s StageSet
	return s.With(stages...)
}

// With returns s plus stages.
func (s StageSet) With(stages ...Stage) StageSet {
	for _, st := range stages {
		if st.Valid() {
			s.bits |= 1 << st
		} else {
			s.bits |= invalidMarker
		}
	}
	return s
}

func (s StageSet) Union(o StageSet) StageSet { return StageSet{bits: s.bits | o.bits} }

func (s StageSet) Has(st Stage) bool { return st.Valid() && s.bits&(1<<st) != 0 }

func (s StageSet) Empty() bool { return s.bits == 0 }

func (s StageSet) Len() int { return bits.OnesCount32(s.bits & allStageBits) }

func (s StageSet) valid() bool { return s.bits&^allStageBits == 0 }

// List returns the member stages in frame order.
func (s StageSet) List() []Stage {
	out := make([]Stage, 0, s.Len())
	for i := Stage(0); i < numStages; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

func (s StageSet) String() string {
	if s.Empty() {
		return "none"
	}
	parts := make([]string, 0, s.Len()+1)
	for _, st := range s.List() {
		parts = append(parts, st.String())
	}
	if !s.valid() {
		parts = append(parts, "invalid")
	}
	return strings.Join(parts, "|")
}

// ParseStageSet parses names separated by '|' or ','.
func ParseStageSet(raw string) (StageSet, error) {
	var set StageSet
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' })
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			continue
		}
		st, err := ParseStage(f)
		if err != nil {
			return StageSet{}, err
		}
		set = set.With(st)
	}
	if set.Empty() {
		return StageSet{}, fmt.Errorf("%w: %q", ErrEmptyStages, raw)
	}
	return set, nil
}
