package units

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	lxd "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"
	"github.com/canonical/lxd/shared/logger"
	"github.com/kballard/go-shellquote"

	"github.com/canonical/rsupgrade/types"
)

// Instance config keys used to carry unit metadata.
const (
	// CommandConfigKey holds the shell quoted startup command of the database process.
	CommandConfigKey = "user.rsupgrade.command"

	// ImageConfigKey holds the image reference the instance was created from.
	ImageConfigKey = "user.rsupgrade.image"

	uuidConfigKey = "volatile.uuid"
)

// addressKeys are the nic keys pinning an address that only one instance may claim at a time.
var addressKeys = []string{"ipv4.address", "ipv6.address", "hwaddr"}

// LXDArgs holds the settings used to connect to LXD.
type LXDArgs struct {
	// URL of a remote LXD server. The local unix socket is used when empty.
	URL string

	// SocketPath overrides the default local unix socket.
	SocketPath string

	// Project is the LXD project hosting the replica set instances.
	Project string

	// ClientCert, ClientKey and ServerCert are paths to PEM files for remote connections.
	ClientCert string
	ClientKey  string
	ServerCert string

	// ImageServer and ImageProtocol locate the server images are pulled from. Images are taken from the LXD
	// server's own image store when ImageServer is empty.
	ImageServer   string
	ImageProtocol string

	// Service is the systemd unit of the database process inside the instance. Its ExecStart is overridden with
	// the startup command of the unit.
	Service string

	// StopTimeout bounds the graceful shutdown of an instance.
	StopTimeout time.Duration
}

// LXD is a Manager backed by LXD containers.
type LXD struct {
	server lxd.InstanceServer
	args   LXDArgs
}

// ConnectLXD connects to the LXD server described by args.
func ConnectLXD(args LXDArgs) (*LXD, error) {
	var server lxd.InstanceServer
	var err error
	if args.URL == "" {
		server, err = lxd.ConnectLXDUnix(args.SocketPath, nil)
	} else {
		connArgs := &lxd.ConnectionArgs{UserAgent: "rsupgrade"}
		for _, pem := range []struct {
			path   string
			target *string
		}{
			{args.ClientCert, &connArgs.TLSClientCert},
			{args.ClientKey, &connArgs.TLSClientKey},
			{args.ServerCert, &connArgs.TLSServerCert},
		} {
			if pem.path == "" {
				continue
			}

			content, err := os.ReadFile(pem.path)
			if err != nil {
				return nil, fmt.Errorf("Failed to read %q: %w", pem.path, err)
			}

			*pem.target = string(content)
		}

		server, err = lxd.ConnectLXD(args.URL, connArgs)
	}

	if err != nil {
		return nil, fmt.Errorf("Failed to connect to LXD: %w", err)
	}

	if args.Project != "" {
		server = server.UseProject(args.Project)
	}

	return NewLXD(server, args), nil
}

// NewLXD returns a Manager using an existing LXD connection.
func NewLXD(server lxd.InstanceServer, args LXDArgs) *LXD {
	return &LXD{server: server, args: args}
}

// FindUnits returns every container whose name contains term.
func (l *LXD) FindUnits(ctx context.Context, term string) ([]types.ExecutionUnit, error) {
	instances, err := l.server.GetInstances(api.InstanceTypeContainer)
	if err != nil {
		return nil, fmt.Errorf("Failed to list instances: %w", err)
	}

	var units []types.ExecutionUnit
	for _, inst := range instances {
		if !strings.Contains(inst.Name, term) {
			continue
		}

		unit, err := unitFromInstance(inst)
		if err != nil {
			return nil, err
		}

		units = append(units, *unit)
	}

	return units, nil
}

// StopUnit stops the instance, waiting up to the configured stop timeout for a clean shutdown.
func (l *LXD) StopUnit(ctx context.Context, name string) error {
	req := api.InstanceStatePut{
		Action:  "stop",
		Timeout: int(l.args.StopTimeout / time.Second),
	}

	op, err := l.server.UpdateInstanceState(name, req, "")
	if err != nil {
		return fmt.Errorf("Failed to stop instance %q: %w", name, err)
	}

	err = op.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("Failed waiting for instance %q to stop: %w", name, err)
	}

	return nil
}

// RenameUnit renames a stopped instance.
func (l *LXD) RenameUnit(ctx context.Context, name string, newName string) error {
	op, err := l.server.RenameInstance(name, api.InstancePost{Name: newName})
	if err != nil {
		return fmt.Errorf("Failed to rename instance %q to %q: %w", name, newName, err)
	}

	err = op.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("Failed waiting for instance %q to be renamed: %w", name, err)
	}

	return nil
}

// RemoveUnit deletes the instance. Custom storage volumes attached to it are not deleted.
func (l *LXD) RemoveUnit(ctx context.Context, name string) error {
	op, err := l.server.DeleteInstance(name)
	if err != nil {
		return fmt.Errorf("Failed to delete instance %q: %w", name, err)
	}

	err = op.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("Failed waiting for instance %q to be deleted: %w", name, err)
	}

	return nil
}

// ResolveImage checks that image is an alias known to the image server.
func (l *LXD) ResolveImage(ctx context.Context, image string) error {
	server, err := l.imageServer()
	if err != nil {
		return err
	}

	_, _, err = server.GetImageAlias(image)
	if err != nil {
		return fmt.Errorf("Failed to find image %q: %w", image, err)
	}

	return nil
}

func (l *LXD) imageServer() (lxd.ImageServer, error) {
	if l.args.ImageServer == "" {
		return l.server, nil
	}

	connArgs := &lxd.ConnectionArgs{UserAgent: "rsupgrade"}

	var server lxd.ImageServer
	var err error
	switch l.args.ImageProtocol {
	case "simplestreams":
		server, err = lxd.ConnectSimpleStreams(l.args.ImageServer, connArgs)
	case "", "lxd":
		server, err = lxd.ConnectPublicLXD(l.args.ImageServer, connArgs)
	default:
		return nil, fmt.Errorf("Unsupported image protocol %q", l.args.ImageProtocol)
	}

	if err != nil {
		return nil, fmt.Errorf("Failed to connect to image server %q: %w", l.args.ImageServer, err)
	}

	return server, nil
}

// CreateUnit creates and starts a container from args.Image. The disk, nic and proxy devices of args.VolumesFrom
// are carried over, so the new container mounts the same custom volumes and keeps its addresses while receiving a
// fresh root volume.
func (l *LXD) CreateUnit(ctx context.Context, args types.UnitCreate) (*types.ExecutionUnit, error) {
	source, etag, err := l.server.GetInstance(args.VolumesFrom)
	if err != nil {
		return nil, fmt.Errorf("Failed to get instance %q to reuse volumes from: %w", args.VolumesFrom, err)
	}

	put := instancePut(*source, args)

	err = l.releaseAddresses(ctx, *source, etag)
	if err != nil {
		return nil, err
	}
	req := api.InstancesPost{
		Name: args.Name,
		Type: api.InstanceTypeContainer,
		Source: api.InstanceSource{
			Type:     "image",
			Alias:    args.Image,
			Server:   l.args.ImageServer,
			Protocol: l.args.ImageProtocol,
		},
		InstancePut: put,
	}

	logger.Debug("Creating instance", logger.Ctx{"name": args.Name, "image": args.Image, "volumesFrom": args.VolumesFrom})
	op, err := l.server.CreateInstance(req)
	if err != nil {
		return nil, fmt.Errorf("Failed to create instance %q: %w", args.Name, err)
	}

	err = op.WaitContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed waiting for instance %q to be created: %w", args.Name, err)
	}

	err = l.writeCommand(args.Name, args.Command)
	if err != nil {
		return nil, err
	}

	op, err = l.server.UpdateInstanceState(args.Name, api.InstanceStatePut{Action: "start", Timeout: -1}, "")
	if err != nil {
		return nil, fmt.Errorf("Failed to start instance %q: %w", args.Name, err)
	}

	err = op.WaitContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed waiting for instance %q to start: %w", args.Name, err)
	}

	inst, _, err := l.server.GetInstance(args.Name)
	if err != nil {
		return nil, fmt.Errorf("Failed to get instance %q: %w", args.Name, err)
	}

	return unitFromInstance(*inst)
}

// releaseAddresses drops the static addresses from the nics of a stopped instance so its replacement can claim them.
func (l *LXD) releaseAddresses(ctx context.Context, inst api.Instance, etag string) error {
	devices := map[string]map[string]string{}
	released := logger.Ctx{}
	for name, device := range inst.Devices {
		device = copyDevice(device)
		if device["type"] == "nic" {
			for _, key := range addressKeys {
				value, ok := device[key]
				if ok {
					released[name+"."+key] = value
					delete(device, key)
				}
			}
		}

		devices[name] = device
	}

	if len(released) == 0 {
		return nil
	}

	put := inst.Writable()
	put.Devices = devices

	logger.Info("Releasing static addresses of old instance", logger.Ctx{"name": inst.Name, "addresses": released})
	op, err := l.server.UpdateInstance(inst.Name, put, etag)
	if err != nil {
		return fmt.Errorf("Failed to release addresses of instance %q: %w", inst.Name, err)
	}

	err = op.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("Failed waiting for addresses of instance %q to be released: %w", inst.Name, err)
	}

	return nil
}

// writeCommand installs a systemd drop-in making the database service run command.
func (l *LXD) writeCommand(name string, command []string) error {
	if l.args.Service == "" || len(command) == 0 {
		return nil
	}

	dir := path.Join("/etc/systemd/system", l.args.Service+".service.d")
	_, _, err := l.server.GetInstanceFile(name, dir)
	if err != nil {
		err = l.server.CreateInstanceFile(name, dir, lxd.InstanceFileArgs{Type: "directory", Mode: 0755})
		if err != nil {
			return fmt.Errorf("Failed to create %q in instance %q: %w", dir, name, err)
		}
	}

	content := fmt.Sprintf("[Service]\nExecStart=\nExecStart=%s\n", shellquote.Join(command...))
	file := path.Join(dir, "rsupgrade.conf")
	err = l.server.CreateInstanceFile(name, file, lxd.InstanceFileArgs{
		Type:      "file",
		Mode:      0644,
		WriteMode: "overwrite",
		Content:   strings.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("Failed to write %q in instance %q: %w", file, name, err)
	}

	return nil
}

// instancePut builds the writable part of a replacement instance: the profiles, user config, disk, nic and proxy
// devices of source with the networks, ports and command from args applied on top.
func instancePut(source api.Instance, args types.UnitCreate) api.InstancePut {
	config := map[string]string{}
	for key, value := range source.Config {
		if strings.HasPrefix(key, "user.") || strings.HasPrefix(key, "environment.") {
			config[key] = value
		}
	}

	config[CommandConfigKey] = shellquote.Join(args.Command...)
	config[ImageConfigKey] = args.Image

	devices := map[string]map[string]string{}
	for name, device := range source.Devices {
		switch device["type"] {
		case "disk", "nic", "proxy":
			devices[name] = copyDevice(device)
		}
	}

	for _, nic := range args.Networks {
		device, ok := devices[nic.Device]
		if !ok || device["type"] != "nic" {
			device = map[string]string{"type": "nic"}
		}

		if nic.Network != "" {
			delete(device, "nictype")
			delete(device, "parent")
			device["network"] = nic.Network
		} else {
			delete(device, "network")
			if device["nictype"] == "" {
				device["nictype"] = "bridged"
			}

			device["parent"] = nic.Parent
		}

		devices[nic.Device] = device
	}

	for _, port := range args.Ports {
		device, ok := devices[port.Device]
		if !ok || device["type"] != "proxy" {
			device = map[string]string{"type": "proxy"}
		}

		device["listen"] = port.Listen
		device["connect"] = port.Connect
		devices[port.Device] = device
	}

	return api.InstancePut{
		Architecture: source.Architecture,
		Profiles:     source.Profiles,
		Config:       config,
		Devices:      devices,
		Description:  source.Description,
	}
}

func copyDevice(device map[string]string) map[string]string {
	out := make(map[string]string, len(device))
	for k, v := range device {
		out[k] = v
	}

	return out
}

// unitFromInstance converts an instance and its local devices into an ExecutionUnit.
func unitFromInstance(inst api.Instance) (*types.ExecutionUnit, error) {
	command, err := shellquote.Split(inst.Config[CommandConfigKey])
	if err != nil {
		return nil, fmt.Errorf("Failed to parse command of instance %q: %w", inst.Name, err)
	}

	image := inst.Config[ImageConfigKey]
	if image == "" {
		image = inst.Config["image.description"]
	}

	unit := &types.ExecutionUnit{
		ID:      inst.Config[uuidConfigKey],
		Name:    inst.Name,
		Image:   image,
		Running: inst.StatusCode == api.Running,
		Command: command,
	}

	deviceNames := make([]string, 0, len(inst.Devices))
	for name := range inst.Devices {
		deviceNames = append(deviceNames, name)
	}

	sort.Strings(deviceNames)
	for _, name := range deviceNames {
		device := inst.Devices[name]
		switch device["type"] {
		case "nic":
			unit.Networks = append(unit.Networks, types.NetworkAttachment{Device: name, Network: device["network"], Parent: device["parent"]})
		case "proxy":
			unit.Ports = append(unit.Ports, types.PortBinding{Device: name, Listen: device["listen"], Connect: device["connect"]})
		case "disk":
			if device["path"] == "/" || device["source"] == "" {
				continue
			}

			unit.Volumes = append(unit.Volumes, types.VolumeMount{Device: name, Pool: device["pool"], Source: device["source"], Path: device["path"]})
		}
	}

	return unit, nil
}
