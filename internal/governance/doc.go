// Package governance holds runtime safety controls for the relay. The broker
// uses its rate limiter to bound how fast a single host may open transports.
package governance
