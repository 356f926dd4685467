// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package elfresolve

import (
	"testing"

	"github.com/rex-linux/rex/internal/pkg/elftestutil"
)

// fixtureSpec and writeFixture are thin local aliases over elftestutil,
// kept so the rest of this package's tests read the way they did before
// the fixture renderer was factored out for internal/pkg/stage to share.
type fixtureSpec = elftestutil.Spec

func writeFixture(t *testing.T, dir, name string, spec fixtureSpec) string {
	t.Helper()
	return elftestutil.WriteFile(t, dir, name, spec)
}
