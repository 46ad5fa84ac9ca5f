// Package instance defines the EnterpriseInstance (Instance) the container
// manages for every bean object, together with the lifecycle phase model and
// the transaction association enum.
//
// Phases replace an implicit per-thread "current callback" marker: whoever
// drives a lifecycle callback pushes the phase on the instance with EnterPhase
// and pops it when done. Context operations (primary key access, rollback
// control) are checked against an Allowed table of PhaseSets for the bean kind.
package instance
