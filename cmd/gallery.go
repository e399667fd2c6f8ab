package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/facegallery/internal/gallery"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Manage a user's people and reference images",
	Long: `Manage a user's gallery. Changes take effect for recognition after the
next cache rebuild (see 'facegallery rebuild').`,
}

var galleryPeopleCmd = &cobra.Command{
	Use:   "people",
	Short: "List people and their reference images",
	Args:  cobra.NoArgs,
	RunE:  runGalleryPeople,
}

var galleryAddCmd = &cobra.Command{
	Use:   "add <person> <file>...",
	Short: "Add reference images of a person",
	Long: `Add reference images of a person, creating the person if needed.
Directories are walked for supported image files.

Examples:
  facegallery gallery add -u alice "Ada Lovelace" ada1.jpg ada2.jpg
  facegallery gallery add -u alice "Ada Lovelace" ./photos/ada/`,
	Args: cobra.MinimumNArgs(2),
	RunE: runGalleryAdd,
}

var galleryRmCmd = &cobra.Command{
	Use:   "rm <person>|--image <id>",
	Short: "Remove a person with all their images, or a single image",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGalleryRm,
}

var galleryMvCmd = &cobra.Command{
	Use:   "mv <image-id> <person>",
	Short: "Move a reference image to another person",
	Args:  cobra.ExactArgs(2),
	RunE:  runGalleryMv,
}

func init() {
	rootCmd.AddCommand(galleryCmd)
	for _, c := range []*cobra.Command{galleryPeopleCmd, galleryAddCmd, galleryRmCmd, galleryMvCmd} {
		addUserFlag(c)
		galleryCmd.AddCommand(c)
	}

	galleryPeopleCmd.Flags().Bool("json", false, "Output as JSON")
	galleryRmCmd.Flags().String("image", "", "Remove only this image id")
}

// openGallery opens the app and the gallery of --user.
func openGallery(cmd *cobra.Command) (*app, *gallery.Store, error) {
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	ws, err := a.workspaceFor(cmd.Context(), mustGetString(cmd, "user"))
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, ws.Gallery, nil
}

func runGalleryPeople(cmd *cobra.Command, args []string) error {
	a, g, err := openGallery(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	people, err := g.ListPeople(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list people: %w", err)
	}
	if mustGetBool(cmd, "json") {
		return outputJSON(people)
	}

	if len(people) == 0 {
		fmt.Println("No people in the gallery")
		return nil
	}
	for _, p := range people {
		fmt.Printf("%s (%d images)\n", p.Name, len(p.Images))
		for _, img := range p.Images {
			fmt.Printf("  %s  %s\n", img.ID, img.AddedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

// expandImageArgs replaces directories with the supported images inside them.
func expandImageArgs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && gallery.IsSupportedFile(d.Name()) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", arg, err)
		}
	}
	return files, nil
}

func runGalleryAdd(cmd *cobra.Command, args []string) error {
	person := args[0]
	files, err := expandImageArgs(args[1:])
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported images among %v", args[1:])
	}

	a, g, err := openGallery(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	maxUpload := cfg.Gallery.MaxUploadBytes()
	added, failed := 0, 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("  ! %s: %v\n", path, err)
			failed++
			continue
		}
		if int64(len(data)) > maxUpload {
			fmt.Printf("  ! %s: larger than %d MB\n", path, cfg.Gallery.MaxUploadMB)
			failed++
			continue
		}
		rec, err := g.AddImage(cmd.Context(), person, data)
		if err != nil {
			fmt.Printf("  ! %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("  + %s -> %s\n", path, rec.ID)
		added++
	}

	fmt.Printf("Added %d images to %s", added, person)
	if failed > 0 {
		fmt.Printf(", %d failed", failed)
	}
	fmt.Println()
	if added == 0 {
		return fmt.Errorf("no images added")
	}
	return nil
}

func runGalleryRm(cmd *cobra.Command, args []string) error {
	imageID := mustGetString(cmd, "image")
	if (imageID == "") == (len(args) == 0) {
		return fmt.Errorf("give either a person or --image")
	}

	a, g, err := openGallery(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if imageID != "" {
		if err := g.RemoveImage(cmd.Context(), imageID); err != nil {
			return fmt.Errorf("failed to remove image: %w", err)
		}
		fmt.Printf("Removed image %s\n", imageID)
		return nil
	}
	if err := g.RemovePerson(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to remove person: %w", err)
	}
	fmt.Printf("Removed %s\n", args[0])
	return nil
}

func runGalleryMv(cmd *cobra.Command, args []string) error {
	a, g, err := openGallery(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := g.MoveImage(cmd.Context(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to move image: %w", err)
	}
	fmt.Printf("Moved %s to %s\n", rec.ID, rec.Person)
	return nil
}
