package catalog

// RecordingRows exposes recordingRows to the external test package.
var RecordingRows = recordingRows
