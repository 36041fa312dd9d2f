package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kestrel/internal/blobstorage"
	"kestrel/internal/conf"
	"kestrel/internal/db"
	"kestrel/internal/lock"
	"kestrel/internal/msgops"
	"kestrel/internal/notify"
	"kestrel/internal/quota"
	"kestrel/internal/server"
	"kestrel/internal/session"
)

func main() {
	cfg, err := conf.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := db.NewManager(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open databases: %v", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Printf("Error closing databases: %v", err)
		}
	}()

	blobs, err := blobstorage.NewS3BlobStorage(cfg.BlobStorage)
	if err != nil {
		log.Fatalf("Failed to initialize blob storage: %v", err)
	}
	attachments := blobstorage.NewAttachmentStore(manager.GetSharedDB(), blobs)

	mailboxes := db.NewMailboxStore(manager, cfg.MetadataTimeout(), cfg.ScanTimeout())
	messages := db.NewMessageStore(manager, cfg.MetadataTimeout(), cfg.ScanTimeout())
	deleter := db.NewDeleter(messages, attachments)
	lifecycle := db.NewBasicLifecycle(messages, deleter)

	tracker := quota.NewTracker(manager.GetSharedDB(), cfg.QuotaLimitBytes)
	notifier := notify.NewNotifier(manager)
	locks := lock.NewSQLManager(manager.GetSharedDB())
	resolver := session.NewResolver(cfg.SessionSecret, manager)

	engine := msgops.NewEngine(mailboxes, messages, deleter, lifecycle,
		attachments, locks, tracker, notifier, msgops.Options{
			LockTTL:        cfg.LockTTL(),
			LockWait:       cfg.LockWait(),
			NotifyInterval: cfg.NotifyInterval(),
		})

	reconciler := quota.NewReconciler(tracker, manager, cfg.ReconcileInterval())
	go reconciler.Run(ctx)

	srv := server.New(engine, notifier, resolver)
	srv.DefaultRetentionMS = cfg.DefaultRetentionMS

	log.Printf("kestrel ready (domain %s, data dir %s)", cfg.Domain, cfg.DataDir)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Shutting down")
}
