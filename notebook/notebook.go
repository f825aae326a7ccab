// Package notebook implements a minimal Jupyter notebook (nbformat 4)
// document model: enough to parse a notebook, walk its code cells, attach
// execution results, and serialize the document back out losslessly for the
// fields this system cares about.
package notebook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Cell type constants from nbformat.
const (
	CellTypeCode     = "code"
	CellTypeMarkdown = "markdown"
	CellTypeRaw      = "raw"
)

// Output type constants from nbformat.
const (
	OutputTypeStream        = "stream"
	OutputTypeError         = "error"
	OutputTypeExecuteResult = "execute_result"
	OutputTypeDisplayData   = "display_data"
)

// MultilineString is a notebook source field, which nbformat allows to be
// either a single string or a list of line strings. It always marshals as a
// single string.
type MultilineString string

func (m *MultilineString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MultilineString(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("source must be a string or list of strings: %w", err)
	}
	*m = MultilineString(strings.Join(lines, ""))
	return nil
}

func (m MultilineString) String() string {
	return string(m)
}

// Output is one entry in a code cell's outputs list.
type Output struct {
	OutputType     string          `json:"output_type"`
	Name           string          `json:"name,omitempty"`
	Text           MultilineString `json:"text,omitempty"`
	EName          string          `json:"ename,omitempty"`
	EValue         string          `json:"evalue,omitempty"`
	Traceback      []string        `json:"traceback,omitempty"`
	Data           map[string]any  `json:"data,omitempty"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
}

// NewStreamOutput returns a stream output. Name is "stdout" or "stderr".
func NewStreamOutput(name, text string) *Output {
	return &Output{OutputType: OutputTypeStream, Name: name, Text: MultilineString(text)}
}

// NewErrorOutput returns an error output as emitted by a failed cell.
func NewErrorOutput(ename, evalue string, traceback []string) *Output {
	return &Output{OutputType: OutputTypeError, EName: ename, EValue: evalue, Traceback: traceback}
}

// NewExecuteResult returns an execute_result output with a text representation.
func NewExecuteResult(count int, text string) *Output {
	return &Output{
		OutputType:     OutputTypeExecuteResult,
		Text:           MultilineString(text),
		ExecutionCount: &count,
	}
}

// Cell is a single notebook cell.
type Cell struct {
	CellType       string          `json:"cell_type"`
	Source         MultilineString `json:"source"`
	Metadata       map[string]any  `json:"metadata"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
	Outputs        []*Output       `json:"outputs,omitempty"`
}

// IsCode reports whether this is an executable code cell.
func (c *Cell) IsCode() bool {
	return c.CellType == CellTypeCode
}

// Executed reports whether the cell carries an execution marker, meaning a
// runtime ran it to completion.
func (c *Cell) Executed() bool {
	return c.ExecutionCount != nil
}

// SetExecuted records the execution marker for the cell.
func (c *Cell) SetExecuted(count int) {
	c.ExecutionCount = &count
}

// Notebook is a parsed ipynb document.
type Notebook struct {
	Cells         []*Cell        `json:"cells"`
	Metadata      map[string]any `json:"metadata"`
	NBFormat      int            `json:"nbformat"`
	NBFormatMinor int            `json:"nbformat_minor"`
}

// CodeCell pairs a code cell with its index in the notebook's cell list.
// Progress tracking uses notebook-level indices so error reports point at
// the cell a user sees in their editor.
type CodeCell struct {
	Index int
	Cell  *Cell
}

// Parse decodes an ipynb document.
func Parse(data []byte) (*Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("failed to parse notebook: %w", err)
	}
	if nb.Metadata == nil {
		nb.Metadata = map[string]any{}
	}
	for _, cell := range nb.Cells {
		if cell.Metadata == nil {
			cell.Metadata = map[string]any{}
		}
	}
	return &nb, nil
}

// Bytes serializes the notebook as indented JSON.
func (n *Notebook) Bytes() ([]byte, error) {
	data, err := json.MarshalIndent(n, "", " ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize notebook: %w", err)
	}
	return data, nil
}

// CodeCells returns the notebook's code cells with their notebook indices.
func (n *Notebook) CodeCells() []CodeCell {
	var cells []CodeCell
	for i, cell := range n.Cells {
		if cell.IsCode() {
			cells = append(cells, CodeCell{Index: i, Cell: cell})
		}
	}
	return cells
}

// ExecutedCount returns the number of code cells carrying an execution marker.
func (n *Notebook) ExecutedCount() int {
	count := 0
	for _, cell := range n.Cells {
		if cell.IsCode() && cell.Executed() {
			count++
		}
	}
	return count
}

// FirstUnexecutedIndex returns the notebook index of the first code cell
// without an execution marker, or -1 if every code cell has executed. Used
// for best-effort attribution of failures that happen outside a cell
// boundary.
func (n *Notebook) FirstUnexecutedIndex() int {
	for i, cell := range n.Cells {
		if cell.IsCode() && !cell.Executed() {
			return i
		}
	}
	return -1
}
