// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package reconciler drives every zone's declared state toward its
// observed state. A periodic full-runtime scan reconciles the hypervisor's
// live domain set against the zone store; per-zone tasks dispatch each
// zone's own state machine (Creating -> Created, Exited -> Destroying,
// Destroying -> Destroyed) as soon as a change is observed, without
// waiting for the next periodic scan.
package reconciler

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/zoneforge/zoned/pkg/config"
	"github.com/zoneforge/zoned/pkg/devicemgr"
	"github.com/zoneforge/zoned/pkg/eventbus"
	"github.com/zoneforge/zoned/pkg/ipam"
	"github.com/zoneforge/zoned/pkg/metrics"
	"github.com/zoneforge/zoned/pkg/netdev"
	"github.com/zoneforge/zoned/pkg/txstore"
	"github.com/zoneforge/zoned/pkg/xenstore"
	"github.com/zoneforge/zoned/pkg/zone"
)

var reconcilerLog = logrus.WithField("source", "reconciler")

// notifyBacklog bounds the top-level per-zone notification queue; a scan
// within the periodic interval picks up anything dropped here.
const notifyBacklog = 64

// taskNotifyDepth bounds a single zone's own rerun queue.
const taskNotifyDepth = 10

// defaultParallelLimit matches config.ReconcileConfig's own default,
// applied if a Reconciler is constructed with an unset or invalid limit.
const defaultParallelLimit = 5

// vifPlugTimeout bounds how long a zone's vif-plug goroutine waits for
// netback to bring the interface up before giving up; a zone whose guest
// never connects its network frontend is still otherwise Created.
const vifPlugTimeout = 60 * time.Second

// DomainBuilder constructs a live domain for spec and returns its domid,
// the collaborator a Creating zone dispatches into.
type DomainBuilder interface {
	Build(ctx context.Context, spec zone.Spec) (domid uint32, err error)
}

// outcome is a reconcile step's result: whether the record changed, and
// whether the zone's own task should immediately run the step again
// rather than wait for its next notification.
type outcome struct {
	changed bool
	rerun   bool
}

type zoneTask struct {
	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Reconciler is the Zone Reconciler: it owns the one authoritative path
// from a zone's declared Spec to a live (or torn down) domain.
type Reconciler struct {
	hostUUID uuid.UUID
	interval time.Duration

	store   *zone.Store
	lookup  *zone.Lookup
	runtime Runtime
	builder DomainBuilder
	ipam    *ipam.Vendor
	devices *devicemgr.Manager
	events  *eventbus.Bus
	xs      *xenstore.Client
	netdev  *netdev.Manager

	rw     *rwSemaphore
	notify chan uuid.UUID

	tasksMu sync.Mutex
	tasks   map[uuid.UUID]*zoneTask
}

// New constructs a Reconciler. cfg tunes its periodic interval and the
// per-zone concurrency cap; xs is used only to re-derive a zone's
// committed network status during the periodic scan.
func New(cfg config.ReconcileConfig, hostUUID uuid.UUID, store *zone.Store, lookup *zone.Lookup, rt Runtime, builder DomainBuilder, vendor *ipam.Vendor, devices *devicemgr.Manager, events *eventbus.Bus, xs *xenstore.Client, nd *netdev.Manager) *Reconciler {
	limit := cfg.ParallelLimit
	if limit <= 0 {
		limit = defaultParallelLimit
	}
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	return &Reconciler{
		hostUUID: hostUUID,
		interval: interval,
		store:    store,
		lookup:   lookup,
		runtime:  rt,
		builder:  builder,
		ipam:     vendor,
		devices:  devices,
		events:   events,
		xs:       xs,
		netdev:   nd,
		rw:       newRWSemaphore(limit),
		notify:   make(chan uuid.UUID, notifyBacklog),
		tasks:    make(map[uuid.UUID]*zoneTask),
	}
}

// Notify requests prompt reconciliation of id rather than waiting for the
// next periodic scan. The request is dropped, not blocked on, if the
// backlog is already full — a scan within the interval will pick id up
// regardless.
func (r *Reconciler) Notify(id uuid.UUID) {
	select {
	case r.notify <- id:
	default:
		reconcilerLog.WithField("zone", id).Warn("notify backlog full, deferring to periodic scan")
	}
}

// Run drives the reconciler until ctx is canceled: an initial full-runtime
// scan, then a loop dispatching per-zone notifications and re-scanning
// every interval.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.reconcileRuntime(ctx, true); err != nil {
		reconcilerLog.WithError(err).Error("initial runtime reconcile failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAllTasks()
			return ctx.Err()
		case id := <-r.notify:
			r.launchTaskIfNeeded(ctx, id)
		case <-ticker.C:
			if err := r.reconcileRuntime(ctx, false); err != nil {
				reconcilerLog.WithError(err).Error("periodic runtime reconcile failed")
			}
		}
	}
}

func (r *Reconciler) stopAllTasks() {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	for id, t := range r.tasks {
		t.cancel()
		delete(r.tasks, id)
	}
}

// launchTaskIfNeeded lazily starts id's own reconcile task, then always
// signals it — whether the task already existed or was just created.
func (r *Reconciler) launchTaskIfNeeded(ctx context.Context, id uuid.UUID) {
	r.tasksMu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		taskCtx, cancel := context.WithCancel(ctx)
		t = &zoneTask{notify: make(chan struct{}, taskNotifyDepth), cancel: cancel, done: make(chan struct{})}
		r.tasks[id] = t
		go r.runZoneTask(taskCtx, id, t)
	}
	r.tasksMu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (r *Reconciler) runZoneTask(ctx context.Context, id uuid.UUID, t *zoneTask) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.notify:
			for {
				out, err := r.reconcileOnce(ctx, id)
				if err != nil {
					reconcilerLog.WithField("zone", id).WithError(err).Error("zone reconcile aborted")
					break
				}
				if !out.rerun {
					break
				}
			}
		}
	}
}

// reconcileOnce runs one dispatch step for id under the RW-semaphore's
// read side, publishing a ZoneChanged event on entry and again on any
// resulting change.
func (r *Reconciler) reconcileOnce(ctx context.Context, id uuid.UUID) (outcome, error) {
	if err := r.rw.RLock(ctx); err != nil {
		return outcome{}, err
	}
	defer r.rw.RUnlock()

	rec, ok := r.store.Get(id)
	if !ok {
		return outcome{}, nil
	}
	r.events.Publish(eventbus.ZoneChanged{Record: rec})

	state := string(rec.Status.State)
	start := time.Now()
	defer func() { metrics.ObserveReconcile(state, time.Since(start)) }()

	var (
		out outcome
		err error
	)
	switch rec.Status.State {
	case zone.StateCreating:
		out, err = r.create(ctx, &rec)
	case zone.StateExited:
		out, err = r.exited(&rec)
	case zone.StateDestroying:
		out, err = r.destroy(ctx, &rec)
	}

	if err != nil {
		metrics.ReconcileErrors.WithLabelValues(state).Inc()
		rec.Fail(err.Error())
		reconcilerLog.WithField("zone", id).WithError(err).Error("zone reconcile step failed")
		if saveErr := r.store.Save(rec); saveErr != nil {
			reconcilerLog.WithField("zone", id).WithError(saveErr).Error("persisting failed zone state")
		}
		r.events.Publish(eventbus.ZoneChanged{Record: rec})
		return outcome{changed: true}, nil
	}

	if !out.changed {
		return out, nil
	}

	if rec.Status.State == zone.StateDestroyed {
		if delErr := r.store.Delete(id); delErr != nil {
			reconcilerLog.WithField("zone", id).WithError(delErr).Error("removing destroyed zone record")
		}
		r.tasksMu.Lock()
		if t, ok := r.tasks[id]; ok {
			t.cancel()
			delete(r.tasks, id)
		}
		r.tasksMu.Unlock()
	} else if saveErr := r.store.Save(rec); saveErr != nil {
		reconcilerLog.WithField("zone", id).WithError(saveErr).Error("persisting zone state")
	}

	r.events.Publish(eventbus.ZoneChanged{Record: rec})
	return out, nil
}

func (r *Reconciler) create(ctx context.Context, rec *zone.Record) (outcome, error) {
	domid, err := r.builder.Build(ctx, rec.Spec)
	if err != nil {
		return outcome{}, errors.Wrap(err, "building domain")
	}

	assignment, err := r.ipam.Assign(rec.Spec.UUID)
	if err != nil {
		_ = r.runtime.Destroy(ctx, domid)
		return outcome{}, errors.Wrap(err, "assigning zone network")
	}
	if err := r.ipam.Commit(assignment); err != nil {
		_ = r.ipam.Recall(assignment)
		_ = r.runtime.Destroy(ctx, domid)
		return outcome{}, errors.Wrap(err, "committing zone network")
	}

	if paths := devicePaths(rec.Spec.Devices); len(paths) > 0 {
		if err := r.devices.Reconcile(rec.Spec.UUID, paths); err != nil {
			reconcilerLog.WithField("zone", rec.Spec.UUID).WithError(err).Warn("device claim conflict")
		}
	}

	r.lookup.Bind(rec.Spec.UUID, domid)
	rec.Status.Domid = domid
	rec.Status.HostUUID = r.hostUUID
	rec.Status.State = zone.StateCreated
	rec.Status.NetworkStatus = &zone.NetworkStatus{
		IPv4:        assignment.IPv4.String(),
		IPv6:        assignment.IPv6.String(),
		GatewayIPv4: assignment.GatewayIPv4.String(),
		GatewayIPv6: assignment.GatewayIPv6.String(),
	}

	if rec.Spec.Network != nil {
		r.plugVifAsync(rec.Spec.UUID, domid, rec.Spec.Network.Bridge)
	}

	return outcome{changed: true}, nil
}

// plugVifAsync waits for the domain's netback vif to appear and attaches
// it to bridge, off the zone's own reconcile path: the interface shows up
// only once the guest's frontend driver connects, which can lag well past
// the domain reaching Created.
func (r *Reconciler) plugVifAsync(id uuid.UUID, domid uint32, bridge string) {
	vifName := netdev.VifName(domid, txstore.VifID(0))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), vifPlugTimeout)
		defer cancel()
		if err := r.netdev.PlugVif(ctx, vifName, bridge); err != nil {
			reconcilerLog.WithField("zone", id).WithField("vif", vifName).WithError(err).Warn("plugging vif failed")
		}
	}()
}

// exited always reruns immediately: Destroying has no external event to
// wait on, so there is no reason to sit idle until the next notification.
func (r *Reconciler) exited(rec *zone.Record) (outcome, error) {
	rec.Status.State = zone.StateDestroying
	return outcome{changed: true, rerun: true}, nil
}

func (r *Reconciler) destroy(ctx context.Context, rec *zone.Record) (outcome, error) {
	id := rec.Spec.UUID

	if rec.Status.Domid != zone.NoDomid {
		if err := r.runtime.Destroy(ctx, rec.Status.Domid); err != nil {
			reconcilerLog.WithField("zone", id).WithError(err).Warn("best-effort domain destroy failed")
		}
		if rec.Spec.Network != nil {
			vifName := netdev.VifName(rec.Status.Domid, txstore.VifID(0))
			if err := r.netdev.UnplugVif(vifName); err != nil {
				reconcilerLog.WithField("zone", id).WithField("vif", vifName).WithError(err).Warn("unplugging vif failed")
			}
		}
	}
	r.lookup.Unbind(id)

	if ns := rec.Status.NetworkStatus; ns != nil {
		assignment := &ipam.Assignment{
			UUID:      id,
			IPv4:      net.ParseIP(ns.IPv4),
			IPv6:      net.ParseIP(ns.IPv6),
			Committed: true,
		}
		if err := r.ipam.Recall(assignment); err != nil && !errors.Is(err, ipam.ErrNotPending) {
			reconcilerLog.WithField("zone", id).WithError(err).Warn("recalling zone network")
		}
	}

	r.devices.ReleaseAll(id)

	rec.Status.State = zone.StateDestroyed
	rec.Status.NetworkStatus = nil
	rec.Status.ExitStatus = nil
	rec.Status.ErrorStatus = ""

	return outcome{changed: true}, nil
}

func devicePaths(devices []zone.DeviceSpec) []string {
	paths := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.Path != "" {
			paths = append(paths, d.Path)
		}
	}
	return paths
}

// reconcileRuntime takes the RW-semaphore's write side, excluding every
// per-zone task, and reconciles the hypervisor's live domain set against
// the zone store: domains with no matching record are destroyed as
// garbage, records whose domain vanished without transitioning roll back
// to Creating, and records with a live domain pick up its run state.
func (r *Reconciler) reconcileRuntime(ctx context.Context, initial bool) error {
	r.rw.Lock()
	defer r.rw.Unlock()

	domids, err := r.runtime.ListDomids(ctx)
	if err != nil {
		return errors.Wrap(err, "listing live domains")
	}
	live := make(map[uint32]bool, len(domids))
	for _, d := range domids {
		live[d] = true
	}

	records := r.store.List()
	refreshZoneCountMetric(records)
	refreshIPPoolMetrics(r.ipam)

	knownDomids := make(map[uint32]bool, len(records))
	for _, rec := range records {
		if rec.Status.Domid != zone.NoDomid {
			knownDomids[rec.Status.Domid] = true
		}
	}

	for domid := range live {
		if domid == 0 || knownDomids[domid] {
			continue
		}
		reconcilerLog.WithField("domid", domid).Warn("destroying domain with no matching zone record")
		if err := r.runtime.Destroy(ctx, domid); err != nil {
			reconcilerLog.WithField("domid", domid).WithError(err).Warn("destroying garbage domain failed")
		}
	}

	for i := range records {
		rec := records[i]
		if r.reconcileRuntimeRecord(ctx, &rec, live, initial) {
			if err := r.store.Save(rec); err != nil {
				reconcilerLog.WithField("zone", rec.Spec.UUID).WithError(err).Error("persisting runtime-observed zone state")
			}
			r.Notify(rec.Spec.UUID)
		}
	}

	return nil
}

// allZoneStates lists every lifecycle state so a scan that finds zero
// records in a given state still zeroes out its gauge rather than
// leaving the previous scan's count stale.
var allZoneStates = []zone.State{
	zone.StateCreating, zone.StateCreated, zone.StateExited,
	zone.StateDestroying, zone.StateDestroyed, zone.StateFailed,
}

func refreshZoneCountMetric(records []zone.Record) {
	counts := make(map[zone.State]int, len(allZoneStates))
	for _, rec := range records {
		counts[rec.Status.State]++
	}
	for _, state := range allZoneStates {
		metrics.ZoneCount.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func refreshIPPoolMetrics(vendor *ipam.Vendor) {
	ipv4, ipv6 := vendor.Stats()
	metrics.IPPoolAllocated.WithLabelValues("ipv4").Set(float64(ipv4.Allocated))
	metrics.IPPoolCapacity.WithLabelValues("ipv4").Set(float64(ipv4.Capacity))
	metrics.IPPoolAllocated.WithLabelValues("ipv6").Set(float64(ipv6.Allocated))
	metrics.IPPoolCapacity.WithLabelValues("ipv6").Set(float64(ipv6.Capacity))
}

// reconcileRuntimeRecord folds one record's observed domain state in,
// returning whether the record changed (or initial forces a first-pass
// notification regardless).
func (r *Reconciler) reconcileRuntimeRecord(ctx context.Context, rec *zone.Record, live map[uint32]bool, initial bool) bool {
	id := rec.Spec.UUID
	changed := false

	hasDomain := rec.Status.Domid != zone.NoDomid && live[rec.Status.Domid]

	if !hasDomain {
		if rec.Status.State == zone.StateCreated {
			reconcilerLog.WithField("zone", id).Warn("live domain vanished, rolling back to Creating")
			rec.Status.State = zone.StateCreating
			rec.Status.Domid = zone.NoDomid
			r.lookup.Unbind(id)
			changed = true
		}
		return changed || initial
	}

	r.lookup.Bind(id, rec.Status.Domid)

	status, err := r.runtime.DomainStatus(ctx, rec.Status.Domid)
	if err != nil {
		reconcilerLog.WithField("zone", id).WithError(err).Warn("reading domain status")
		return changed || initial
	}

	if status.Exited && rec.Status.State == zone.StateCreated {
		rec.Status.State = zone.StateExited
		code := status.ExitCode
		rec.Status.ExitStatus = &code
		changed = true
	}

	if paths := devicePaths(rec.Spec.Devices); len(paths) > 0 {
		if err := r.devices.Reconcile(id, paths); err != nil {
			reconcilerLog.WithField("zone", id).WithError(err).Warn("device claim conflict during runtime reconcile")
		}
	}

	if r.xs != nil {
		if assignment, ok, err := ipam.ReadDomainAssignment(ctx, r.xs, id, rec.Status.Domid); err == nil && ok {
			rec.Status.NetworkStatus = &zone.NetworkStatus{
				IPv4:        assignment.IPv4.String(),
				IPv6:        assignment.IPv6.String(),
				GatewayIPv4: assignment.GatewayIPv4.String(),
				GatewayIPv6: assignment.GatewayIPv6.String(),
			}
		}
	}

	return changed || initial
}
