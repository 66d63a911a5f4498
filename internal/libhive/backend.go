package libhive

import (
	"context"
	"mime/multipart"
)

// ContainerBackend captures the container interactions of the simulation API.
type ContainerBackend interface {
	CreateContainer(ctx context.Context, image string, opt ContainerOptions) (string, error)
	StartContainer(ctx context.Context, containerID string, opt ContainerOptions) (*ContainerInfo, error)
	StopContainer(containerID string) error
}

// ContainerOptions contains the launch parameters for client containers.
type ContainerOptions struct {
	// These options apply when creating the container.
	Env map[string]string
	// Files are keyed by their destination path in the container.
	Files map[string]*multipart.FileHeader
}

// ContainerInfo is returned by StartContainer.
type ContainerInfo struct {
	ID string // container handle
	IP string // IP address
}
