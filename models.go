package main

import (
	"time"

	"gorm.io/gorm"
)

type User struct {
	ID      uint `gorm:"primarykey"`
	Indexed time.Time

	Did         string `gorm:"uniqueIndex"`
	Handle      string `gorm:"uniqueIndex"`
	DisplayName string
	Bio         string
}

type Post struct {
	ID      uint      `gorm:"primarykey"`
	Created time.Time `gorm:"index"`
	Indexed time.Time
	Author  uint   `gorm:"uniqueIndex:idx_posts_rkeyauthor"`
	Rkey    string `gorm:"uniqueIndex:idx_posts_rkeyauthor"`
	Uri     string `gorm:"uniqueIndex"`
	Cid     string

	Text    string
	AltText string

	EmbedTitle       string
	EmbedDescription string
	EmbedUri         string

	// nullable so a deleted referent clears the link instead of the row
	Parent *uint
	Root   *uint
	Quoted *uint

	Langs  []string `gorm:"serializer:json"`
	Tags   []string `gorm:"serializer:json"`
	Labels []string `gorm:"serializer:json"`
}

type Like struct {
	ID      uint `gorm:"primarykey"`
	Created time.Time
	Indexed time.Time
	Author  uint   `gorm:"uniqueIndex:idx_likes_rkeyauthor"`
	Rkey    string `gorm:"uniqueIndex:idx_likes_rkeyauthor"`
	Subject uint   `gorm:"index"`
	Cid     string
}

type Repost struct {
	ID      uint `gorm:"primarykey"`
	Created time.Time
	Indexed time.Time
	Author  uint   `gorm:"uniqueIndex:idx_reposts_rkeyauthor"`
	Rkey    string `gorm:"uniqueIndex:idx_reposts_rkeyauthor"`
	Subject uint   `gorm:"index"`
	Cid     string
}

type Follow struct {
	ID      uint `gorm:"primarykey"`
	Created time.Time
	Indexed time.Time
	Author  uint   `gorm:"uniqueIndex:idx_follows_rkeyauthor"`
	Rkey    string `gorm:"uniqueIndex:idx_follows_rkeyauthor"`
	Subject uint   `gorm:"index"`
}

func setupDatabase(db *gorm.DB) error {
	for _, m := range []any{&User{}, &Post{}, &Like{}, &Repost{}, &Follow{}} {
		if err := db.AutoMigrate(m); err != nil {
			return err
		}
	}

	// gorm won't manage these since the link columns are plain uints.
	// Author links cascade, post-to-post links null out on delete.
	constraints := []struct {
		table, name, def string
	}{
		{"posts", "fk_posts_author", "FOREIGN KEY (author) REFERENCES users(id) ON DELETE CASCADE"},
		{"posts", "fk_posts_parent", "FOREIGN KEY (parent) REFERENCES posts(id) ON DELETE SET NULL"},
		{"posts", "fk_posts_root", "FOREIGN KEY (root) REFERENCES posts(id) ON DELETE SET NULL"},
		{"posts", "fk_posts_quoted", "FOREIGN KEY (quoted) REFERENCES posts(id) ON DELETE SET NULL"},
		{"likes", "fk_likes_author", "FOREIGN KEY (author) REFERENCES users(id) ON DELETE CASCADE"},
		{"likes", "fk_likes_subject", "FOREIGN KEY (subject) REFERENCES posts(id) ON DELETE CASCADE"},
		{"reposts", "fk_reposts_author", "FOREIGN KEY (author) REFERENCES users(id) ON DELETE CASCADE"},
		{"reposts", "fk_reposts_subject", "FOREIGN KEY (subject) REFERENCES posts(id) ON DELETE CASCADE"},
		{"follows", "fk_follows_author", "FOREIGN KEY (author) REFERENCES users(id) ON DELETE CASCADE"},
		{"follows", "fk_follows_subject", "FOREIGN KEY (subject) REFERENCES users(id) ON DELETE CASCADE"},
	}

	for _, c := range constraints {
		if err := db.Exec("ALTER TABLE " + c.table + " DROP CONSTRAINT IF EXISTS " + c.name).Error; err != nil {
			return err
		}
		if err := db.Exec("ALTER TABLE " + c.table + " ADD CONSTRAINT " + c.name + " " + c.def).Error; err != nil {
			return err
		}
	}

	return nil
}
