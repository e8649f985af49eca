// Package mosaic implements the mosaic-trigger stage: sliding a 10-MS
// window with a 2-MS overlap from the previous group over the recently
// imaged MSes, and driving the external mosaic builder over each new group.
package mosaic

import (
	"time"

	"github.com/dsa110/contimg/internal/db"
	"github.com/dsa110/contimg/internal/logging"
	"github.com/dsa110/contimg/internal/model"
	"github.com/google/uuid"
)

// DefaultWindowMinutes is how far back from the trigger MS's midtime the
// candidate scan looks.
const DefaultWindowMinutes = 120

// WindowSize is the target mosaic group size; OverlapSize of those members
// are carried over from the immediately preceding group.
const (
	WindowSize  = 10
	OverlapSize = 2
	MinNewMSes  = WindowSize - OverlapSize
)

// Builder drives the external mosaic-construction tool (CASA/WSClean linear
// mosaicking) over an ordered list of MS paths.
type Builder interface {
	BuildMosaic(groupID string, msPaths []string) (mosaicPath string, err error)
}

// Trigger implements the sliding-window mosaic trigger.
type Trigger struct {
	Products      *db.ProductsStore
	Builder       Builder
	WindowMinutes int
	NewGroupID    func() string
	Now           func() time.Time
}

// NewTrigger returns a Trigger with the default 120-minute window.
func NewTrigger(products *db.ProductsStore, builder Builder) *Trigger {
	return &Trigger{
		Products:      products,
		Builder:       builder,
		WindowMinutes: DefaultWindowMinutes,
		NewGroupID:    uuid.NewString,
		Now:           time.Now,
	}
}

// OnNewlyImagedMS runs the trigger algorithm for one newly imaged MS:
// scan the time window, exclude MSes already claimed by an active mosaic
// group, and form a new group if enough candidates remain. lastGroup may be
// nil if no mosaic group has been formed yet.
func (t *Trigger) OnNewlyImagedMS(triggerMidMJD float64, lastGroup *model.MosaicGroup) (*model.MosaicGroup, error) {
	windowDays := float64(t.WindowMinutes) / (24.0 * 60.0)
	candidates, err := t.Products.ImagedMSesInWindow(triggerMidMJD-windowDays, triggerMidMJD+windowDays)
	if err != nil {
		return nil, err
	}

	active, err := t.Products.MSesInActiveMosaics()
	if err != nil {
		return nil, err
	}

	var overlap []string
	if lastGroup != nil {
		overlap = lastNMembers(lastGroup, OverlapSize)
	}
	overlapSet := make(map[string]bool, len(overlap))
	for _, p := range overlap {
		overlapSet[p] = true
	}

	var fresh []string
	for _, c := range candidates {
		if overlapSet[c.Path] {
			continue // already counted via overlap
		}
		if active[c.Path] {
			continue // claimed by another pending/in_progress/completed group
		}
		fresh = append(fresh, c.Path)
	}

	if len(fresh) < MinNewMSes {
		return nil, nil
	}

	members := append(append([]string{}, overlap...), fresh...)
	if len(members) > WindowSize {
		members = members[:WindowSize]
	}
	if len(members) < WindowSize {
		return nil, nil
	}

	group := model.MosaicGroup{
		GroupID: t.NewGroupID(),
		Status:  model.MosaicPending,
	}
	for i, p := range members {
		group.Members = append(group.Members, model.MosaicMember{
			MosaicGroupID:   group.GroupID,
			MSPath:          p,
			PositionInGroup: i,
		})
	}

	now := t.Now()
	if err := t.Products.UpsertMosaicGroup(group, now); err != nil {
		return nil, err
	}

	mosaicPath, err := t.Builder.BuildMosaic(group.GroupID, members)
	if err != nil {
		group.Status = model.MosaicFailed
		group.Error = err.Error()
		logging.Logf(logging.Msg("mosaic: build failed", logging.F("group_id", group.GroupID), logging.F("error", err.Error())))
	} else {
		group.Status = model.MosaicCompleted
		group.MosaicPath = mosaicPath
	}
	if uerr := t.Products.UpsertMosaicGroup(group, t.Now()); uerr != nil {
		return nil, uerr
	}
	return &group, nil
}

func lastNMembers(g *model.MosaicGroup, n int) []string {
	if len(g.Members) <= n {
		out := make([]string, len(g.Members))
		for i, m := range g.Members {
			out[i] = m.MSPath
		}
		return out
	}
	start := len(g.Members) - n
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = g.Members[start+i].MSPath
	}
	return out
}
