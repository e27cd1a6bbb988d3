package nodehttp

import "net/http"

// handleFilenameKeys serves GET /<name>/filename_keys: the declared
// file-valued input field names, in schema order.
func (s *Server) handleFilenameKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.NodeType.InputSchema.FileFieldNames())
}

// handleKeys serves GET /<name>/keys: every declared input and output
// field name, in schema order.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	inputKeys := make([]string, 0, len(s.NodeType.InputSchema.Fields))
	for _, f := range s.NodeType.InputSchema.Fields {
		inputKeys = append(inputKeys, f.Name)
	}
	outputKeys := make([]string, 0, len(s.NodeType.OutputSchema.Fields))
	for _, f := range s.NodeType.OutputSchema.Fields {
		outputKeys = append(outputKeys, f.Name)
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"input_keys":  inputKeys,
		"output_keys": outputKeys,
	})
}
