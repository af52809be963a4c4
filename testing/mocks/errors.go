package mocks

import cerrdefs "github.com/containerd/errdefs"

var errNotFound = cerrdefs.ErrNotFound
