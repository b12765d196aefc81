// Package campaign implements the campaign lifecycle: creating and editing
// definitions, activation, pause and resume, completion and deletion, and
// the operator actions on enrollments and executions.
//
// The service layer contains the business rules. It depends on the
// Repository contract defined here and on the automation engine, and should
// never import from the HTTP layer.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
