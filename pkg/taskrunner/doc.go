// Package taskrunner exposes workflow execution behind a small interface so the run command,
// and programs embedding ciflow, can inject workflow.Dependencies once and obtain a runner.
// Tests swap in fakes through Factory.
package taskrunner
