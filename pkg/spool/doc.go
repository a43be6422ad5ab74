/*
Package spool owns the on-disk staging area shared by the API and the
controller.

	<spool>/incoming/<job-id>.zip   uploaded project, written once by
	                                the API, deleted by the controller
	                                after container creation
	<spool>/work/<job-id>/          extracted workspace, bind-mounted
	                                into the job container, deleted when
	                                the job reaches a terminal state

Extraction rejects zip entries with absolute paths or parent-directory
traversal, so a hostile archive cannot write outside its workspace. A
partial workspace left by a crash is discarded and re-extracted from the
zip, which still exists at that point precisely because deletion is
ordered after container creation.
*/
package spool
