// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package kernelmodule

import "os"

// procModules reads /proc/modules whole, as CheckProcModules does via
// fopen/fgets.
func procModules() ([]byte, error) {
	return os.ReadFile("/proc/modules")
}
