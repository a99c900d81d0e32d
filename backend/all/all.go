// Package all imports every backend so a blank import registers the full
// provider set.
package all

import (
	_ "github.com/sluiceproject/sluice/backend/filesystem"
	_ "github.com/sluiceproject/sluice/backend/onedrive"
	_ "github.com/sluiceproject/sluice/backend/s3"
)
