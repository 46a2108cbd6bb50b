// Package worker implementa los tres pools del orquestador: inference
// (genera rollouts), postprocessing (los scorea) y training (consume
// batches y publica pesos). Los pools solo se comunican por las colas
// acotadas, el replay buffer y el snapshot de policy.
package worker

import (
	"fmt"
)

// Role identifica el pool de origen de un error fatal.
type Role string

const (
	RoleInference      Role = "inference"
	RolePostprocessing Role = "postprocessing"
	RoleTraining       Role = "training"
)

// FatalError es una falla irrecuperable dentro de un pool. El controller
// la propaga cancelando los demás pools.
type FatalError struct {
	Role     Role
	WorkerID int
	Step     int64
	Err      error
}

func (e *FatalError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("worker %s[%d] en el paso %d: %v", e.Role, e.WorkerID, e.Step, e.Err)
	}
	return fmt.Sprintf("worker %s[%d]: %v", e.Role, e.WorkerID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(role Role, workerID int, step int64, err error) error {
	return &FatalError{Role: role, WorkerID: workerID, Step: step, Err: err}
}
