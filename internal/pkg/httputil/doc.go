// Package httputil provides the API's response envelope and JSON helpers.
//
// Handlers use these instead of raw http.ResponseWriter calls so every
// endpoint produces the same envelope: `{"success":true,"value":...}` on
// success, `{"error":"..."}` on failure, with the status derived from the
// error kind.
package httputil
