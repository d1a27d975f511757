// Package partition defines the Partition entity: a named pool of workers.
package partition

// Partition is a pool of workers consuming the same dispatch queue.
type Partition struct {
	ID                   string `json:"id"`
	PodReserved          int    `json:"pod_reserved"`
	PodMax               int    `json:"pod_max"`
	PreemptionPercentage int    `json:"preemption_percentage"`
	Priority             int    `json:"priority"`
}
