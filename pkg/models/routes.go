package models

import "net/url"

// APIPrefix is the mount point of the Flow Studio REST API.
const APIPrefix = "/api"

// FlowsPath is the flow collection.
func FlowsPath() string { return APIPrefix + "/flows" }

// FlowPath addresses a single flow graph.
func FlowPath(id string) string { return FlowsPath() + "/" + url.PathEscape(id) }

// RunsPath is the run collection.
func RunsPath() string { return APIPrefix + "/runs" }

// RunPath addresses a single run.
func RunPath(id string) string { return RunsPath() + "/" + url.PathEscape(id) }

// RunActionPath addresses pause or resume for a run.
func RunActionPath(id, action string) string { return RunPath(id) + "/" + action }

// RunEventsPath is where the host posts event envelopes.
func RunEventsPath(id string) string { return RunPath(id) + "/events" }

// RunStreamPath is the SSE stream for a run.
func RunStreamPath(id string) string { return RunPath(id) + "/stream" }

// BoundaryReviewPath addresses the boundary review facts for a run.
func BoundaryReviewPath(runID string) string { return RunPath(runID) + "/boundary-review" }

// InventoryPath addresses the inventory counts for a run.
func InventoryPath(runID string) string { return RunPath(runID) + "/inventory" }
