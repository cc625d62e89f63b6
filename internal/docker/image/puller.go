// Package image provides pull and remove operations for container images.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/sirupsen/logrus"

	"github.com/dockerdetective/dockerdetective/internal/docker"
)

var (
	// ErrInvalidReference indicates the image reference could not be parsed
	ErrInvalidReference = errors.New("invalid image reference")

	// ErrManifestUnknown indicates the registry has no manifest for the reference
	ErrManifestUnknown = errors.New("image manifest not found in registry")

	// ErrPullFailed indicates the pull failed for a reason other than a
	// missing manifest
	ErrPullFailed = errors.New("failed to pull image")
)

// Puller pulls images from a registry through the Docker daemon.
type Puller struct {
	manager docker.Manager
	logger  *logrus.Logger
	timeout time.Duration
}

// NewPuller creates a new image puller
func NewPuller(manager docker.Manager, timeout time.Duration, logger *logrus.Logger) *Puller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Puller{
		manager: manager,
		logger:  logger,
		timeout: timeout,
	}
}

// Pull downloads the image and waits for the pull to complete. The returned
// reference is the normalized form used for subsequent scan and remove calls.
func (p *Puller) Pull(ctx context.Context, imageName string) (string, error) {
	named, err := reference.ParseNormalizedNamed(imageName)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidReference, imageName, err)
	}
	ref := reference.FamiliarString(reference.TagNameOnly(named))

	cli, err := p.manager.GetClient()
	if err != nil {
		return "", err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.logger.WithField("image", ref).Debug("Pulling image")
	start := time.Now()

	body, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return "", classifyPullError(ref, err)
	}
	defer body.Close()

	// The pull is not complete until the response stream is drained.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", classifyPullError(ref, err)
	}

	p.logger.WithFields(logrus.Fields{
		"image":    ref,
		"duration": time.Since(start).String(),
	}).Info("Image pulled")

	return ref, nil
}

// classifyPullError distinguishes a missing manifest from other pull
// failures. Only the registry's "manifest unknown" message qualifies;
// access-denied errors mention a missing repository for private images too
// and must stay generic pull failures.
func classifyPullError(ref string, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "manifest unknown") {
		return fmt.Errorf("%w: %s: %v", ErrManifestUnknown, ref, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrPullFailed, ref, err)
}
