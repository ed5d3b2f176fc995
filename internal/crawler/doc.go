// Package crawler defines the job, render and completion types shared by the
// render worker subsystems, along with the collaborator interfaces they meet.
package crawler
