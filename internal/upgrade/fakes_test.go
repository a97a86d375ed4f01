package upgrade

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/canonical/rsupgrade/internal/mongo"
	"github.com/canonical/rsupgrade/internal/retry"
	"github.com/canonical/rsupgrade/types"
)

// recordingClock records requested waits and fires them immediately.
type recordingClock struct {
	clock.Clock

	mu    sync.Mutex
	waits []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{Clock: clock.WallClock}
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// fakeMember is the server side state of a member.
type fakeMember struct {
	name    string
	role    types.Role
	down    bool
	version string
	tier    string
}

// fakeCluster is a replica set where stepping down the primary elects the first available secondary in member
// order. Stopped units take their member down.
type fakeCluster struct {
	members []*fakeMember
	calls   *[]string

	// listErrs are returned by the next ListMembers calls, in order. A nil entry lets the call succeed.
	listErrs []error

	// stepDownErr is returned by StepDown once the member stepped down.
	stepDownErr error

	// fcvErr returns an error for a feature compatibility change on a member.
	fcvErr func(m *fakeMember) error

	maxPrimaries int
	listCount    int
}

func newFakeCluster(calls *[]string, version string, roles ...types.Role) *fakeCluster {
	c := &fakeCluster{calls: calls, stepDownErr: io.EOF}
	for i, role := range roles {
		c.members = append(c.members, &fakeMember{
			name:    fmt.Sprintf("n%d:27017", i+1),
			role:    role,
			version: version,
			tier:    version,
		})
	}

	return c
}

func (c *fakeCluster) member(host string) *fakeMember {
	for _, m := range c.members {
		if m.name == host {
			return m
		}
	}

	return nil
}

func (c *fakeCluster) memberForUnit(unit string) *fakeMember {
	return c.member(unit + ":27017")
}

func (c *fakeCluster) ListMembers(ctx context.Context, host string) ([]types.ReplicaSetMember, error) {
	c.listCount++
	if len(c.listErrs) > 0 {
		err := c.listErrs[0]
		c.listErrs = c.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	out := make([]types.ReplicaSetMember, 0, len(c.members))
	count := 0
	for _, m := range c.members {
		member := types.ReplicaSetMember{Name: m.name, Role: m.role, State: string(m.role), Health: 1, UptimeSeconds: 3600}
		if m.down {
			member.Role = types.RoleOther
			member.State = "(not reachable/healthy)"
			member.Health = 0
			member.UptimeSeconds = 0
		}

		if member.Role == types.RolePrimary {
			count++
		}

		out = append(out, member)
	}

	if count > c.maxPrimaries {
		c.maxPrimaries = count
	}

	return out, nil
}

func (c *fakeCluster) StepDown(ctx context.Context, host string, stepDownSecs int) error {
	*c.calls = append(*c.calls, "stepDown "+host)
	m := c.member(host)
	if m == nil || m.role != types.RolePrimary {
		return fmt.Errorf("%q is not primary", host)
	}

	m.role = types.RoleSecondary
	for _, candidate := range c.members {
		if candidate != m && candidate.role == types.RoleSecondary && !candidate.down {
			candidate.role = types.RolePrimary
			break
		}
	}

	return c.stepDownErr
}

func (c *fakeCluster) SetFeatureCompatibilityVersion(ctx context.Context, host string, tier string, confirm bool) error {
	*c.calls = append(*c.calls, fmt.Sprintf("setFeatureTier %s %s %t", host, tier, confirm))
	m := c.member(host)
	if m == nil {
		return fmt.Errorf("Unknown member %q", host)
	}

	if c.fcvErr != nil {
		err := c.fcvErr(m)
		if err != nil {
			return err
		}
	}

	m.tier = tier
	return nil
}

func (c *fakeCluster) ServerVersion(ctx context.Context, host string) (string, error) {
	m := c.member(host)
	if m == nil || m.down {
		return "", io.EOF
	}

	return m.version, nil
}

// fakeUnits hosts each member of a fakeCluster in a unit named after the member host.
type fakeUnits struct {
	cluster *fakeCluster
	units   map[string]*types.ExecutionUnit
	calls   *[]string

	// findErrs are returned by the next FindUnits calls, in order.
	findErrs []error

	// createErr is returned by CreateUnit.
	createErr error

	// missingImages can't be resolved.
	missingImages map[string]bool

	// swappedPrimaries lists units that were stopped while their member was primary.
	swappedPrimaries []string
	created          int
}

func newFakeUnits(cluster *fakeCluster, calls *[]string) *fakeUnits {
	u := &fakeUnits{cluster: cluster, units: map[string]*types.ExecutionUnit{}, calls: calls}
	for _, m := range cluster.members {
		name, _, _ := strings.Cut(m.name, ":")
		u.units[name] = &types.ExecutionUnit{
			ID:       "id-" + name,
			Name:     name,
			Image:    "mongo:" + m.version,
			Running:  true,
			Networks: []types.NetworkAttachment{{Device: "eth0", Network: "mongonet"}},
			Ports:    []types.PortBinding{{Device: "mongo", Listen: "tcp:0.0.0.0:27017", Connect: "tcp:127.0.0.1:27017"}},
			Volumes:  []types.VolumeMount{{Device: "data", Pool: "default", Source: name + "-data", Path: "/data/db"}},
			Command:  []string{"mongod", "--replSet", "rs0", "--bind_ip_all"},
		}
	}

	return u
}

func (u *fakeUnits) FindUnits(ctx context.Context, term string) ([]types.ExecutionUnit, error) {
	if len(u.findErrs) > 0 {
		err := u.findErrs[0]
		u.findErrs = u.findErrs[1:]
		return nil, err
	}

	names := make([]string, 0, len(u.units))
	for name := range u.units {
		if strings.Contains(name, term) {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	out := make([]types.ExecutionUnit, 0, len(names))
	for _, name := range names {
		out = append(out, *u.units[name])
	}

	return out, nil
}

func (u *fakeUnits) StopUnit(ctx context.Context, name string) error {
	*u.calls = append(*u.calls, "stop "+name)
	unit, ok := u.units[name]
	if !ok {
		return fmt.Errorf("Unit %q not found", name)
	}

	m := u.cluster.memberForUnit(name)
	if m != nil {
		if m.role == types.RolePrimary {
			u.swappedPrimaries = append(u.swappedPrimaries, name)
		}

		m.down = true
	}

	unit.Running = false
	return nil
}

func (u *fakeUnits) RenameUnit(ctx context.Context, name string, newName string) error {
	*u.calls = append(*u.calls, "rename "+name+" "+newName)
	unit, ok := u.units[name]
	if !ok {
		return fmt.Errorf("Unit %q not found", name)
	}

	if unit.Running {
		return fmt.Errorf("Renaming of running unit %q not allowed", name)
	}

	_, ok = u.units[newName]
	if ok {
		return fmt.Errorf("Unit %q already exists", newName)
	}

	delete(u.units, name)
	unit.Name = newName
	u.units[newName] = unit
	return nil
}

func (u *fakeUnits) RemoveUnit(ctx context.Context, name string) error {
	*u.calls = append(*u.calls, "remove "+name)
	_, ok := u.units[name]
	if !ok {
		return fmt.Errorf("Unit %q not found", name)
	}

	delete(u.units, name)
	return nil
}

func (u *fakeUnits) ResolveImage(ctx context.Context, image string) error {
	if u.missingImages[image] {
		return fmt.Errorf("Image %q not found", image)
	}

	return nil
}

func (u *fakeUnits) CreateUnit(ctx context.Context, args types.UnitCreate) (*types.ExecutionUnit, error) {
	*u.calls = append(*u.calls, "create "+args.Name+" "+args.Image)
	if u.createErr != nil {
		return nil, u.createErr
	}

	_, ok := u.units[args.Name]
	if ok {
		return nil, fmt.Errorf("Unit %q already exists", args.Name)
	}

	source, ok := u.units[args.VolumesFrom]
	if !ok {
		return nil, fmt.Errorf("Unit %q to reuse volumes from not found", args.VolumesFrom)
	}

	u.created++
	unit := &types.ExecutionUnit{
		ID:       fmt.Sprintf("id-%s-%d", args.Name, u.created),
		Name:     args.Name,
		Image:    args.Image,
		Running:  true,
		Networks: args.Networks,
		Ports:    args.Ports,
		Volumes:  source.Volumes,
		Command:  args.Command,
	}

	u.units[args.Name] = unit

	m := u.cluster.memberForUnit(args.Name)
	if m != nil {
		m.down = false
		m.role = types.RoleSecondary
		m.version = strings.TrimPrefix(args.Image, "mongo:")
	}

	return unit, nil
}

// testEnv wires every component of an upgrade against the fakes.
type testEnv struct {
	calls   []string
	cluster *fakeCluster
	units   *fakeUnits
	clock   *recordingClock
}

func newTestEnv(version string, roles ...types.Role) *testEnv {
	env := &testEnv{clock: newRecordingClock()}
	env.cluster = newFakeCluster(&env.calls, version, roles...)
	env.units = newFakeUnits(env.cluster, &env.calls)
	return env
}

func (e *testEnv) retrier(attempts int) *retry.Retrier {
	return retry.NewRetrier(retry.Policy{Attempts: attempts, Delay: time.Second}, mongo.IsTransient, e.clock)
}

func (e *testEnv) statusReader() *StatusReader {
	return NewStatusReader(e.cluster, e.retrier(5), e.retrier(3))
}

func (e *testEnv) swapper() *Swapper {
	return NewSwapper(SwapperArgs{
		Units:         e.units,
		Retrier:       e.retrier(3),
		ImageFor:      func(version string) string { return "mongo:" + version },
		StorageEngine: "wiredTiger",
	})
}

func (e *testEnv) coordinator(output io.Writer, hooks *Hooks) *Coordinator {
	return NewCoordinator(CoordinatorArgs{
		Status:              e.statusReader(),
		StepDown:            NewStepDownController(e.cluster, e.retrier(3), e.clock, 60, 15*time.Second),
		Swapper:             e.swapper(),
		FeatureGate:         NewFeatureGate(e.cluster, e.retrier(3), e.clock, 5*time.Second),
		PreFeatureGateDelay: 2 * time.Second,
		Clock:               e.clock,
		Output:              output,
		Hooks:               hooks,
	})
}
