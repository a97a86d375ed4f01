package upgrade

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/canonical/rsupgrade/types"
)

type coordinatorSuite struct {
	suite.Suite
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(coordinatorSuite))
}

func (s *coordinatorSuite) Test_UpgradeReplicaSet() {
	env := newTestEnv("5.0", types.RolePrimary, types.RoleSecondary, types.RoleSecondary)
	var out bytes.Buffer

	err := env.coordinator(&out, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	require.NoError(s.T(), err)

	s.Equal([]string{
		"stepDown n1:27017",
		"stop n1",
		"rename n1 n1-6-0-old",
		"create n1 mongo:6.0",
		"remove n1-6-0-old",
		"stepDown n2:27017",
		"stop n2",
		"rename n2 n2-6-0-old",
		"create n2 mongo:6.0",
		"remove n2-6-0-old",
		"stop n3",
		"rename n3 n3-6-0-old",
		"create n3 mongo:6.0",
		"remove n3-6-0-old",
		"setFeatureTier n1:27017 6.0 false",
		"setFeatureTier n2:27017 6.0 false",
		"setFeatureTier n3:27017 6.0 false",
	}, env.calls)

	for _, m := range env.cluster.members {
		s.Equal("6.0", m.version, m.name)
		s.Equal("6.0", m.tier, m.name)
		s.False(m.down, m.name)
	}

	s.Empty(env.units.swappedPrimaries)
	s.Equal(1, env.cluster.maxPrimaries)

	for _, name := range []string{"n1", "n2", "n3"} {
		unit := env.units.units[name]
		require.NotNil(s.T(), unit, name)
		s.Equal("mongo:6.0", unit.Image)
		s.Equal([]string{"mongod", "--replSet", "rs0", "--bind_ip_all", "--storageEngine", "wiredTiger"}, unit.Command)
		s.Equal(name+"-data", unit.Volumes[0].Source)
	}

	s.Len(env.units.units, 3)

	// One status table per member plus the final one.
	s.Equal(4, strings.Count(out.String(), "NAME"))
	s.Contains(out.String(), "Replica set upgraded to 6.0")

	// Two step down settles, then a pre gate delay and a settle per member.
	s.Equal([]time.Duration{
		15 * time.Second,
		15 * time.Second,
		2 * time.Second, 5 * time.Second,
		2 * time.Second, 5 * time.Second,
		2 * time.Second, 5 * time.Second,
	}, env.clock.waits)
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetConfirmsMajorSeven() {
	env := newTestEnv("6.0.4", types.RoleSecondary, types.RolePrimary)

	err := env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "7.0.1")
	require.NoError(s.T(), err)

	s.Equal([]string{
		"stepDown n2:27017",
		"stop n2",
		"rename n2 n2-7-0-1-old",
		"create n2 mongo:7.0.1",
		"remove n2-7-0-1-old",
		"stepDown n1:27017",
		"stop n1",
		"rename n1 n1-7-0-1-old",
		"create n1 mongo:7.0.1",
		"remove n1-7-0-1-old",
		"setFeatureTier n2:27017 7.0 true",
		"setFeatureTier n1:27017 7.0 true",
	}, env.calls)
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetNoPrimary() {
	env := newTestEnv("5.0", types.RoleSecondary, types.RoleSecondary, types.RoleOther)

	var finishErr error
	hooks := &Hooks{OnFinish: func(ctx context.Context, runErr error) error {
		finishErr = runErr
		return nil
	}}

	err := env.coordinator(nil, hooks).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	s.ErrorIs(err, ErrNoPrimary)
	s.ErrorIs(finishErr, ErrNoPrimary)
	s.Empty(env.calls)
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetMultiplePrimaries() {
	env := newTestEnv("5.0", types.RolePrimary, types.RolePrimary)

	err := env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	s.ErrorIs(err, ErrMultiplePrimaries)
	s.Empty(env.calls)
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetInvalidVersion() {
	env := newTestEnv("5.0", types.RolePrimary)

	err := env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "latest")
	s.Error(err)
	s.Empty(env.calls)
	s.Equal(0, env.cluster.listCount)
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetSkipsOtherMembers() {
	env := newTestEnv("5.0", types.RolePrimary, types.RoleOther, types.RoleSecondary)

	plan, err := env.coordinator(nil, nil).Plan(context.Background(), "n1:27017", "6.0")
	require.NoError(s.T(), err)
	s.Equal([]string{"n1:27017", "n3:27017"}, memberNames(plan.Members))
	s.Equal([]string{"n2:27017"}, memberNames(plan.Skipped))

	err = env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	require.NoError(s.T(), err)

	s.Equal("5.0", env.cluster.members[1].version)
	s.NotContains(env.calls, "stop n2")
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetAbortsOnAmbiguousUnit() {
	env := newTestEnv("5.0", types.RolePrimary, types.RoleSecondary)
	env.units.units["n2-clone"] = &types.ExecutionUnit{Name: "n2-clone", Running: true}

	err := env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	s.ErrorIs(err, ErrUnitAmbiguous)

	// The first member was upgraded, the second one was never touched.
	s.Equal([]string{
		"stepDown n1:27017",
		"stop n1",
		"rename n1 n1-6-0-old",
		"create n1 mongo:6.0",
		"remove n1-6-0-old",
		"stepDown n2:27017",
	}, env.calls)
	s.True(env.units.units["n2"].Running)
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetAbortsOnStatusFailure() {
	env := newTestEnv("5.0", types.RolePrimary, types.RoleSecondary)

	// The initial read succeeds, then every read fails.
	env.cluster.listErrs = []error{nil}
	for i := 0; i < 5; i++ {
		env.cluster.listErrs = append(env.cluster.listErrs, io.EOF)
	}

	err := env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	s.ErrorIs(err, io.EOF)
	s.Empty(env.calls)
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetRetriesStatus() {
	env := newTestEnv("5.0", types.RolePrimary, types.RoleSecondary)
	env.cluster.listErrs = []error{io.EOF, io.ErrUnexpectedEOF}

	err := env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	require.NoError(s.T(), err)
	s.Equal([]time.Duration{time.Second, time.Second}, env.clock.waits[:2])
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetSwapFailure() {
	env := newTestEnv("5.0", types.RolePrimary, types.RoleSecondary)
	env.units.createErr = errors.New("Image not found")

	err := env.coordinator(nil, nil).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0")
	s.ErrorIs(err, ErrSwapIncomplete)

	// Nothing is rolled back.
	s.Contains(env.units.units, "n1-6-0-old")
	s.NotContains(env.units.units, "n1")
}

func (s *coordinatorSuite) Test_UpgradeReplicaSetHooks() {
	env := newTestEnv("5.0", types.RolePrimary, types.RoleSecondary)

	var events []string
	hooks := &Hooks{
		OnPlan: func(ctx context.Context, plan Plan) error {
			events = append(events, "plan "+strings.Join(memberNames(plan.Members), ","))
			return nil
		},
		OnStepDown: func(ctx context.Context, member string) error {
			events = append(events, "stepDown "+member)
			return errors.New("Hook failures are ignored")
		},
		OnSwap: func(ctx context.Context, member string, unit types.ExecutionUnit) error {
			events = append(events, "swap "+member+" "+unit.Image)
			return nil
		},
		OnFeatureTier: func(ctx context.Context, member string, tier string) error {
			events = append(events, "featureTier "+member+" "+tier)
			return nil
		},
		OnFinish: func(ctx context.Context, runErr error) error {
			events = append(events, "finish")
			return runErr
		},
	}

	err := env.coordinator(nil, hooks).UpgradeReplicaSet(context.Background(), "n1:27017", "6.0.2")
	require.NoError(s.T(), err)

	s.Equal([]string{
		"plan n1:27017,n2:27017",
		"stepDown n1:27017",
		"swap n1:27017 mongo:6.0.2",
		"stepDown n2:27017",
		"swap n2:27017 mongo:6.0.2",
		"featureTier n1:27017 6.0",
		"featureTier n2:27017 6.0",
		"finish",
	}, events)
}

func memberNames(members []types.ReplicaSetMember) []string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}

	return names
}
