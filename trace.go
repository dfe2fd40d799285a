package neoflow

import (
	"strconv"

	"github.com/iti/evt/vrtime"
)

// TraceInst is one recorded forwarding event
type TraceInst struct {
	TraceTime string `json:"time" yaml:"time"`
	Op        string `json:"op" yaml:"op"`
	Ingress   int    `json:"ingress" yaml:"ingress"`
	Flow      string `json:"flow" yaml:"flow"`
	Bytes     int    `json:"bytes" yaml:"bytes"`
}

// NameType is a an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager gathers a record of every packet a node sends, forwards or receives.
// It is the equivalent of an ascii trace of every link, kept in memory and
// written out at the end of the run.
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by node id
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm != nil && tm.InUse
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.Active() {
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// AddTrace records that node objID performed op on a packet of the given flow
func (tm *TraceManager) AddTrace(vrt vrtime.Time, objID int, op string, ingress int, flow string, bytes int) {
	if !tm.Active() {
		return
	}
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.Traces[objID] = append(tm.Traces[objID],
		TraceInst{TraceTime: traceTime, Op: op, Ingress: ingress, Flow: flow, Bytes: bytes})
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
// Nothing is written, and false is returned, if the manager is not in use.
func (tm *TraceManager) WriteToFile(filename string) (bool, error) {
	if !tm.Active() {
		return false, nil
	}
	if err := writeDocument(filename, tm); err != nil {
		return false, err
	}
	return true, nil
}
