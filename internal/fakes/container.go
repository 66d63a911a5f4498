// Package fakes provides a container backend that does not start any containers.
package fakes

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/portal-hive/internal/libhive"
	"github.com/google/uuid"
)

// BackendHooks can be used to override the behavior of the fake backend.
type BackendHooks struct {
	CreateContainer func(image string, opt libhive.ContainerOptions) (string, error)
	StartContainer  func(image, containerID string, opt libhive.ContainerOptions) (*libhive.ContainerInfo, error)
	StopContainer   func(containerID string) error
}

var _ = libhive.ContainerBackend(&fakeBackend{})

// fakeBackend implements ContainerBackend without docker.
type fakeBackend struct {
	hooks BackendHooks

	mutex         sync.Mutex
	clientCounter uint64
	cimg          map[string]string // tracks created containers and their image names
}

// NewContainerBackend creates a new fake container backend.
func NewContainerBackend(hooks *BackendHooks) libhive.ContainerBackend {
	b := &fakeBackend{cimg: make(map[string]string)}
	if hooks != nil {
		b.hooks = *hooks
	}
	return b
}

func (b *fakeBackend) CreateContainer(ctx context.Context, image string, opt libhive.ContainerOptions) (string, error) {
	var id string
	if b.hooks.CreateContainer != nil {
		var err error
		if id, err = b.hooks.CreateContainer(image, opt); err != nil {
			return "", err
		}
	} else {
		id = uuid.NewString()
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, ok := b.cimg[id]; ok {
		return id, fmt.Errorf("duplicate container ID %q", id)
	}
	b.cimg[id] = image
	return id, nil
}

func (b *fakeBackend) StartContainer(ctx context.Context, containerID string, opt libhive.ContainerOptions) (*libhive.ContainerInfo, error) {
	b.mutex.Lock()
	image, ok := b.cimg[containerID]
	if !ok {
		b.mutex.Unlock()
		return nil, fmt.Errorf("container %s does not exist", containerID)
	}
	b.clientCounter++
	n := b.clientCounter
	b.mutex.Unlock()

	info := &libhive.ContainerInfo{}
	if b.hooks.StartContainer != nil {
		hinfo, err := b.hooks.StartContainer(image, containerID, opt)
		if hinfo != nil {
			info = hinfo
		}
		if err != nil {
			info.ID = containerID
			return info, err
		}
	}
	info.ID = containerID
	if info.IP == "" {
		info.IP = clientIP(n).String()
	}
	return info, nil
}

func (b *fakeBackend) StopContainer(containerID string) error {
	var err error
	if b.hooks.StopContainer != nil {
		err = b.hooks.StopContainer(containerID)
	}

	b.mutex.Lock()
	delete(b.cimg, containerID)
	b.mutex.Unlock()
	return err
}

// clientIP returns the address of the n-th started client in 10.0.0.0/16.
// Addresses are unique for the first 65534 clients.
func clientIP(n uint64) net.IP {
	return net.IP{10, 0, byte(n >> 8), byte(n)}
}
