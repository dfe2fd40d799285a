package neoflow

// scheduler.go holds the service queue a switch passes forwarded packets through.
//
// When a packet is handed to a switch for forwarding the caller specifies how
// much service it requires (in simulation seconds).  A switch has some number
// of forwarding engines ('cores'); a packet is served immediately if one is idle
// and otherwise waits, first-come first-serve, for one to free up.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Task describes the service requirement of one packet at one switch
type Task struct {
	req          float64                   // required service
	completeFunc evtm.EventHandlerFunction // call when finished
	context      any                       // remember this from caller, to return when finished
	Msg          any                       // information package being carried
}

// TaskScheduler holds the state of one switch's forwarding engines
type TaskScheduler struct {
	cores   int     // number of forwarding engines
	busy    int     // engines in service
	waiting []*Task // work to do, not in service
	served  int     // number of tasks completed
}

// CreateTaskScheduler is a constructor
func CreateTaskScheduler(cores int) *TaskScheduler {
	ts := new(TaskScheduler)
	if cores < 1 {
		cores = 1
	}
	ts.cores = cores
	ts.waiting = []*Task{}
	return ts
}

// Schedule puts a piece of work either in queue or in service.  Parameters are
// - req : the service requirement of this task
// - context, msg : handed back to complete
// - complete : an event handler to be called when the task has completed
// The return is true if the task was placed immediately into service.
func (ts *TaskScheduler) Schedule(evtMgr *evtm.EventManager, req float64,
	context any, msg any, complete evtm.EventHandlerFunction) bool {

	task := &Task{req: req, completeFunc: complete, context: context, Msg: msg}

	// if all the engines are busy, put in the waiting queue and return
	if ts.busy >= ts.cores {
		ts.waiting = append(ts.waiting, task)
		return false
	}
	ts.startService(evtMgr, task)
	return true
}

// startService occupies an engine for the task's requirement
func (ts *TaskScheduler) startService(evtMgr *evtm.EventManager, task *Task) {
	ts.busy += 1
	evtMgr.Schedule(ts, task, taskComplete, vrtime.SecondsToTime(task.req))
}

// Waiting is the number of tasks queued behind busy engines
func (ts *TaskScheduler) Waiting() int {
	return len(ts.waiting)
}

// Served is the number of tasks that have completed service
func (ts *TaskScheduler) Served() int {
	return ts.served
}

// taskComplete is called when a task's service has completed.  The first waiting
// task, if any, is put into service and the task's own completion handler is called.
func taskComplete(evtMgr *evtm.EventManager, context any, data any) any {
	ts := context.(*TaskScheduler)
	task := data.(*Task)

	ts.busy -= 1
	ts.served += 1

	if len(ts.waiting) > 0 {
		next := ts.waiting[0]
		ts.waiting = ts.waiting[1:]
		ts.startService(evtMgr, next)
	}

	task.completeFunc(evtMgr, task.context, task.Msg)
	return nil
}
