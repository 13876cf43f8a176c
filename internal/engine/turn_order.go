package engine

var PhaseOrder = []Phase{
	PhaseFast,
	PhaseEnemy,
	PhaseSlow,
}
