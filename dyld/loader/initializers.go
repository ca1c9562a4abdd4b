package loader

import "github.com/sirupsen/logrus"

// Initializer is the hook a real loader core would use to run an image's
// ObjC +load methods and C++/static initializers; the simulator records
// the call instead of touching process memory.
type Initializer func(img *Image)

// RunInitializers walks the dependency DAG child-before-parent, skipping
// weak-missing and already-Inited images, per spec.md §4.F.4. reg supplies
// registry order to break ties among siblings; resolveRef maps an ImageRef
// back to its Image.
func RunInitializers(reg RegistryView, log *logrus.Entry, runObjCLoad, runStaticInit Initializer) error {
	var order []*Image
	seen := make(map[ImageRef]bool)

	var visit func(img *Image) error
	visit = func(img *Image) error {
		if img == nil || seen[img.SelfRef] {
			return nil
		}
		seen[img.SelfRef] = true

		for _, dep := range img.Deps {
			if dep.Missing || dep.Kind == EdgeUpward {
				continue
			}
			child := resolveRef(reg, dep.Child)
			if err := visit(child); err != nil {
				return err
			}
		}
		order = append(order, img)
		return nil
	}

	var walkErr error
	reg.ForEach(func(img *Image) bool {
		if err := visit(img); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}

	for _, img := range order {
		if err := runOne(img, log, runObjCLoad, runStaticInit); err != nil {
			return err
		}
	}
	return nil
}

func resolveRef(reg RegistryView, ref ImageRef) *Image {
	if ref == NoRef {
		return nil
	}
	var found *Image
	reg.ForEach(func(img *Image) bool {
		if img.SelfRef == ref {
			found = img
			return false
		}
		return true
	})
	return found
}

func runOne(img *Image, log *logrus.Entry, runObjCLoad, runStaticInit Initializer) error {
	if img.Inited {
		return nil
	}
	if alreadyInProgress := img.BeginInitializers(); alreadyInProgress {
		return nil
	}
	defer img.EndInitializers()

	if err := img.Transition(StateIniting); err != nil {
		return err
	}

	if img.MayHavePlusLoad && runObjCLoad != nil {
		if log != nil {
			log.WithField("image", img.CanonicalPath).Debug("running +load methods")
		}
		runObjCLoad(img)
	}
	if runStaticInit != nil {
		if log != nil {
			log.WithField("image", img.CanonicalPath).Debug("running static initializers")
		}
		runStaticInit(img)
	}

	if err := img.Transition(StateInited); err != nil {
		return err
	}
	img.Inited = true
	return nil
}
