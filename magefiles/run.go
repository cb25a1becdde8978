//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the testbed with the sample configuration.
func (Run) Engine() error {
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", ".", "-config", "config/engine.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the testbed with the metrics endpoint enabled on :2112.
func (Run) Metrics() error {
	mg.Deps(Build.Engine)
	if _, err := executeCmd("bin/anima-jobs", withArgs("-config", "config/engine.toml", "-metrics", ":2112"), withStream()); err != nil {
		return err
	}
	return nil
}
