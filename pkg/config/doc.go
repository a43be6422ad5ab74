/*
Package config loads server and client configuration.

Server configuration layers defaults, an optional YAML file, and KILN_*
environment variables, later layers winning. Client credentials resolve
in the opposite direction of specificity: explicit flags beat KILN_API_KEY
and KILN_SERVER_URL, which beat ~/.kiln/config, a flat key=value file.
*/
package config
