// Package rsupgrade wires configuration, logging and the replica set and LXD clients into rolling upgrades.
package rsupgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/canonical/lxd/shared/logger"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonical/rsupgrade/internal/config"
	"github.com/canonical/rsupgrade/internal/journal"
	"github.com/canonical/rsupgrade/internal/mongo"
	"github.com/canonical/rsupgrade/internal/retry"
	"github.com/canonical/rsupgrade/internal/sys"
	"github.com/canonical/rsupgrade/internal/units"
	"github.com/canonical/rsupgrade/internal/upgrade"
	"github.com/canonical/rsupgrade/internal/utils"
	"github.com/canonical/rsupgrade/types"
)

// ErrVersionMismatch is returned by VerifyVersions when a member doesn't run the expected version.
var ErrVersionMismatch = errors.New("Member version mismatch")

// RSUpgrade contains the filesystem, configuration and clients used to upgrade a replica set.
type RSUpgrade struct {
	FileSystem *sys.OS
	Config     *config.File

	args  Args
	mongo mongo.ClusterAdminClient
	units units.Manager
}

// Args contains options for configuring RSUpgrade.
type Args struct {
	Verbose  bool
	Debug    bool
	StateDir string

	// ConfigFile overrides the configuration file in the state directory.
	ConfigFile string

	// Output receives the status tables rendered during an upgrade.
	Output io.Writer

	// Clock drives retry delays and settle windows.
	Clock clock.Clock

	TracerProvider trace.TracerProvider

	// Mongo and Units replace the clients built from the configuration.
	Mongo mongo.ClusterAdminClient
	Units units.Manager
}

// MemberVersion is the server version a member reported.
type MemberVersion struct {
	Member  string `json:"member" yaml:"member"`
	Version string `json:"version" yaml:"version"`
	Matches bool   `json:"matches" yaml:"matches"`
}

// App returns an RSUpgrade with a newly initialized state directory if one does not exist, and the configuration
// loaded from it when present.
func App(args Args) (*RSUpgrade, error) {
	fs, err := sys.DefaultOS(args.StateDir, true)
	if err != nil {
		return nil, err
	}

	err = logger.InitLogger(fs.LogFile(), "", args.Verbose, args.Debug, nil)
	if err != nil {
		return nil, err
	}

	path := args.ConfigFile
	if path == "" {
		path = fs.ConfigFile()
	}

	file := config.NewFile(path)
	_, err = os.Stat(path)
	if err == nil {
		err = file.Load()
		if err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("Failed to check config %q: %w", path, err)
	} else {
		logger.Debug("No config file, using defaults", logger.Ctx{"path": path})
	}

	if args.Clock == nil {
		args.Clock = clock.WallClock
	}

	return &RSUpgrade{
		FileSystem: fs,
		Config:     file,
		args:       args,
		mongo:      args.Mongo,
		units:      args.Units,
	}, nil
}

// InitConfig writes the default configuration to the config file. An existing file is only replaced when force
// is set.
func (r *RSUpgrade) InitConfig(force bool) error {
	_, err := os.Stat(r.Config.Path())
	if err == nil && !force {
		return fmt.Errorf("Config %q already exists", r.Config.Path())
	}

	r.Config.Set(config.Defaults())

	return r.Config.Write()
}

func (r *RSUpgrade) mongoClient() mongo.ClusterAdminClient {
	if r.mongo == nil {
		conf := r.Config.Get().Mongo
		r.mongo = mongo.NewClient(mongo.DialConfig{
			Username: conf.Username,
			Password: conf.Password,
			Source:   conf.AuthSource,
			Timeout:  conf.DialTimeout,
		})
	}

	return r.mongo
}

func (r *RSUpgrade) unitManager() (units.Manager, error) {
	if r.units != nil {
		return r.units, nil
	}

	conf := r.Config.Get()
	mgr, err := units.ConnectLXD(units.LXDArgs{
		URL:           conf.LXD.URL,
		SocketPath:    conf.LXD.Socket,
		Project:       conf.LXD.Project,
		ClientCert:    conf.LXD.ClientCert,
		ClientKey:     conf.LXD.ClientKey,
		ServerCert:    conf.LXD.ServerCert,
		ImageServer:   conf.Image.Server,
		ImageProtocol: conf.Image.Protocol,
		Service:       conf.Image.Service,
		StopTimeout:   conf.LXD.StopTimeout,
	})
	if err != nil {
		return nil, err
	}

	r.units = mgr

	return r.units, nil
}

func (r *RSUpgrade) retrier(policy retry.Policy, retryable func(error) bool) *retry.Retrier {
	return retry.NewRetrier(policy, retryable, r.args.Clock)
}

func (r *RSUpgrade) statusReader() *upgrade.StatusReader {
	conf := r.Config.Get().Retry
	return upgrade.NewStatusReader(r.mongoClient(), r.retrier(conf.Status, mongo.IsTransient), r.retrier(conf.Version, mongo.IsTransient))
}

// coordinator builds a Coordinator reporting to hooks. The LXD connection is only made when withUnits is set.
func (r *RSUpgrade) coordinator(hooks *upgrade.Hooks, withUnits bool) (*upgrade.Coordinator, error) {
	conf := r.Config.Get()
	client := r.mongoClient()

	args := upgrade.CoordinatorArgs{
		Status:              r.statusReader(),
		StepDown:            upgrade.NewStepDownController(client, r.retrier(conf.Retry.Default, mongo.IsTransient), r.args.Clock, conf.Upgrade.StepDownSeconds, conf.Upgrade.StepDownSettle),
		FeatureGate:         upgrade.NewFeatureGate(client, r.retrier(conf.Retry.Default, mongo.IsTransient), r.args.Clock, conf.Upgrade.FeatureGateSettle),
		PreFeatureGateDelay: conf.Upgrade.PreFeatureGateDelay,
		Clock:               r.args.Clock,
		Output:              r.args.Output,
		Hooks:               hooks,
		TracerProvider:      r.args.TracerProvider,
	}

	if withUnits {
		mgr, err := r.unitManager()
		if err != nil {
			return nil, err
		}

		args.Swapper = upgrade.NewSwapper(upgrade.SwapperArgs{
			Units:         mgr,
			Retrier:       r.retrier(conf.Retry.Default, units.IsTransient),
			ImageFor:      conf.ImageFor,
			StorageEngine: conf.Upgrade.StorageEngine,
			UnitNames:     conf.UnitNames,
		})
	}

	return upgrade.NewCoordinator(args), nil
}

// ListMembers returns the replica set members as seen by host.
func (r *RSUpgrade) ListMembers(ctx context.Context, host string) ([]types.ReplicaSetMember, error) {
	err := utils.ValidateMemberAddress(host)
	if err != nil {
		return nil, err
	}

	return r.statusReader().ListMembers(ctx, host)
}

// MemberVersion returns the server version reported by host.
func (r *RSUpgrade) MemberVersion(ctx context.Context, host string) (string, error) {
	err := utils.ValidateMemberAddress(host)
	if err != nil {
		return "", err
	}

	return r.statusReader().MemberVersion(ctx, host)
}

// RenderStatus formats members as a table preceded by title.
func (r *RSUpgrade) RenderStatus(members []types.ReplicaSetMember, title string) string {
	return upgrade.RenderStatus(members, title)
}

// Plan returns the upgrade that UpgradeReplicaSet would run, without changing anything.
func (r *RSUpgrade) Plan(ctx context.Context, entryHost string, targetVersion string) (*upgrade.Plan, error) {
	err := utils.ValidateMemberAddress(entryHost)
	if err != nil {
		return nil, err
	}

	c, err := r.coordinator(nil, false)
	if err != nil {
		return nil, err
	}

	return c.Plan(ctx, entryHost, targetVersion)
}

// UpgradeReplicaSet upgrades the replica set reachable through entryHost to targetVersion, recording the run in the
// journal. The run UUID is returned even when the upgrade fails.
func (r *RSUpgrade) UpgradeReplicaSet(ctx context.Context, entryHost string, targetVersion string) (string, error) {
	err := utils.ValidateMemberAddress(entryHost)
	if err != nil {
		return "", err
	}

	j, err := journal.Open(r.FileSystem.JournalPath(), r.args.Clock)
	if err != nil {
		return "", err
	}

	defer func() {
		err := j.Close()
		if err != nil {
			logger.Warn("Failed to close journal", logger.Ctx{"error": err})
		}
	}()

	run, err := j.StartRun(ctx, entryHost, targetVersion)
	if err != nil {
		return "", err
	}

	c, err := r.coordinator(j.Hooks(run.UUID), true)
	if err != nil {
		finishErr := j.FinishRun(ctx, run.UUID, err)
		if finishErr != nil {
			logger.Warn("Failed to record run end", logger.Ctx{"run": run.UUID, "error": finishErr})
		}

		return run.UUID, err
	}

	logger.Info("Recording upgrade run", logger.Ctx{"run": run.UUID})

	return run.UUID, c.UpgradeReplicaSet(ctx, entryHost, targetVersion)
}

// VerifyVersions checks that every primary and secondary member reports targetVersion.
func (r *RSUpgrade) VerifyVersions(ctx context.Context, entryHost string, targetVersion string) ([]MemberVersion, error) {
	err := utils.ValidateMemberAddress(entryHost)
	if err != nil {
		return nil, err
	}

	reader := r.statusReader()
	members, err := reader.ListMembers(ctx, entryHost)
	if err != nil {
		return nil, err
	}

	var versions []MemberVersion
	var mismatched []string
	for _, m := range members {
		if m.Role == types.RoleOther {
			continue
		}

		v, err := reader.MemberVersion(ctx, m.Name)
		if err != nil {
			return nil, fmt.Errorf("Failed to get version of %q: %w", m.Name, err)
		}

		versions = append(versions, MemberVersion{Member: m.Name, Version: v, Matches: v == targetVersion})
		if v != targetVersion {
			mismatched = append(mismatched, fmt.Sprintf("%s runs %s", m.Name, v))
		}
	}

	if len(mismatched) > 0 {
		return versions, fmt.Errorf("%w: %v", ErrVersionMismatch, mismatched)
	}

	return versions, nil
}

// History returns every recorded run, most recent first.
func (r *RSUpgrade) History(ctx context.Context) ([]journal.Run, error) {
	j, err := journal.Open(r.FileSystem.JournalPath(), r.args.Clock)
	if err != nil {
		return nil, err
	}

	defer j.Close()

	return j.Runs(ctx)
}

// RunEvents returns the run whose UUID starts with prefix and its events.
func (r *RSUpgrade) RunEvents(ctx context.Context, prefix string) (*journal.Run, []journal.Event, error) {
	j, err := journal.Open(r.FileSystem.JournalPath(), r.args.Clock)
	if err != nil {
		return nil, nil, err
	}

	defer j.Close()

	run, err := j.Run(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}

	events, err := j.Events(ctx, run.UUID)
	if err != nil {
		return nil, nil, err
	}

	return run, events, nil
}
