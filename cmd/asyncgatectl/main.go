/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package main

import (
	"os"

	"github.com/asyncgate/asyncgate/cmd/asyncgatectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
