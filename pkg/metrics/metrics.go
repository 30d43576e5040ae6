package metrics

/*
Labels and so on for metrics used in pulld.
*/

const (
	LabelSuccess = "success"

	// Labels for deploy metrics
	LabelBranchClass = "branch_class"
	LabelMode        = "mode"
	LabelStatus      = "status"
)
