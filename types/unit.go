package types

// ExecutionUnit represents the container hosting one replica set member.
type ExecutionUnit struct {
	// ID is the backend's stable identifier for the unit.
	ID string `json:"id" yaml:"id"`

	// Name is the unit name. It is derived from the member host it serves.
	Name string `json:"name" yaml:"name"`

	// Image is the image reference (including the version tag) the unit was created from.
	Image string `json:"image" yaml:"image"`

	// Running reports whether the unit is currently running.
	Running bool `json:"running" yaml:"running"`

	// Networks are the network attachments of the unit.
	Networks []NetworkAttachment `json:"networks" yaml:"networks"`

	// Ports are the published port bindings of the unit.
	Ports []PortBinding `json:"ports" yaml:"ports"`

	// Volumes are the data volumes mounted into the unit.
	Volumes []VolumeMount `json:"volumes" yaml:"volumes"`

	// Command is the startup command of the database process.
	Command []string `json:"command" yaml:"command"`
}

// NetworkAttachment is a network interface of an execution unit.
type NetworkAttachment struct {
	// Device is the name of the interface device on the unit.
	Device string `json:"device" yaml:"device"`

	// Network is the managed network the interface is attached to, if any.
	Network string `json:"network,omitempty" yaml:"network,omitempty"`

	// Parent is the host interface the device is bridged to when no managed network is used.
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// PortBinding publishes a unit port on the host.
type PortBinding struct {
	// Device is the name of the binding device on the unit.
	Device string `json:"device" yaml:"device"`

	// Listen is the host side address, e.g. tcp:0.0.0.0:27017.
	Listen string `json:"listen" yaml:"listen"`

	// Connect is the unit side address, e.g. tcp:127.0.0.1:27017.
	Connect string `json:"connect" yaml:"connect"`
}

// VolumeMount is a persistent data volume mounted into a unit.
type VolumeMount struct {
	// Device is the name of the disk device on the unit.
	Device string `json:"device" yaml:"device"`

	// Pool is the storage pool holding the volume.
	Pool string `json:"pool" yaml:"pool"`

	// Source is the volume name within the pool.
	Source string `json:"source" yaml:"source"`

	// Path is the mount point inside the unit.
	Path string `json:"path" yaml:"path"`
}

// UnitCreate holds the arguments for creating a replacement execution unit.
type UnitCreate struct {
	// Name of the new unit.
	Name string

	// Image to create the unit from.
	Image string

	// VolumesFrom is the name of the unit whose data volumes are reused by the new unit.
	VolumesFrom string

	// Ports to publish on the new unit.
	Ports []PortBinding

	// Command to start the database process with.
	Command []string

	// Networks to attach the new unit to.
	Networks []NetworkAttachment
}
