// Copyright 2026 The Semaphore Authors
// SPDX-License-Identifier: Apache-2.0

package runnerapi

import (
	"context"
	"io"
	"os"

	"github.com/alexandervashurin/semaphore-sub002/lib/artifact"
	"github.com/alexandervashurin/semaphore-sub002/lib/localjob"
)

// remotePlans is the plan store of one task running on a runner. The
// server derives the artifact key from the task it assigned, so the key
// localjob passes is not sent.
type remotePlans struct {
	client *Client
	taskID int64
}

var _ localjob.PlanStore = remotePlans{}

func (p remotePlans) Store(ctx context.Context, _ artifact.Key, path string) error {
	return p.client.UploadPlan(ctx, p.taskID, func() (io.ReadCloser, error) {
		return os.Open(path)
	})
}

func (p remotePlans) Load(ctx context.Context, _ artifact.Key, path string) (func(), error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	err = p.client.DownloadPlan(ctx, p.taskID, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return func() {}, nil
}
