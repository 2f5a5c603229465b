//go:build prod

package build

// Deployment specifies a production build.
const Deployment = Production
