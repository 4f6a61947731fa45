// Package consts houses the build-time constants.
package consts

// Version is the current influxback version.
const Version = "0.4.1"

// UserAgent identifies influxback against the InfluxDB endpoints.
const UserAgent = "influxback/" + Version
