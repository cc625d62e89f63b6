package image

import (
	"context"

	"github.com/docker/docker/api/types/image"
	"github.com/sirupsen/logrus"

	"github.com/dockerdetective/dockerdetective/internal/docker"
)

// Remover deletes images from the local Docker daemon after scanning.
type Remover struct {
	manager docker.Manager
	logger  *logrus.Logger
}

// NewRemover creates a new image remover
func NewRemover(manager docker.Manager, logger *logrus.Logger) *Remover {
	if logger == nil {
		logger = logrus.New()
	}
	return &Remover{
		manager: manager,
		logger:  logger,
	}
}

// Remove deletes the image along with any untagged parents. Removal is
// best effort; callers log the returned error and continue.
func (r *Remover) Remove(ctx context.Context, ref string) error {
	cli, err := r.manager.GetClient()
	if err != nil {
		return err
	}

	_, err = cli.ImageRemove(ctx, ref, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil {
		return err
	}

	r.logger.WithField("image", ref).Debug("Image removed")
	return nil
}
